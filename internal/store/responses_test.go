package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestResponses_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour).UTC()
	if err := s.UpsertResponse(ctx, CachedResponse{
		DataKey:      "workouts2024-01-01",
		Controller:   "view",
		Action:       "selectresults",
		RequestData:  json.RawMessage(`{"date":"2024-01-01"}`),
		ResponseData: json.RawMessage(`[{"id":1}]`),
		LastAccessed: stale,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetResponse(ctx, "workouts2024-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if got.Controller != "view" || got.Action != "selectresults" {
		t.Errorf("Unexpected routing %s/%s", got.Controller, got.Action)
	}
	if string(got.RequestData) != `{"date":"2024-01-01"}` {
		t.Errorf("Unexpected request data %s", got.RequestData)
	}
	if !got.LastAccessed.After(stale) {
		t.Errorf("Expected GetResponse to touch last_accessed, got %v", got.LastAccessed)
	}
}

func TestResponses_UpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, body := range []string{`{"v":1}`, `{"v":2}`} {
		if err := s.UpsertResponse(ctx, CachedResponse{
			DataKey:      "k",
			Controller:   "view",
			Action:       "a",
			ResponseData: json.RawMessage(body),
		}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListResponses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 cached response, got %d", len(list))
	}
	if string(list[0].ResponseData) != `{"v":2}` {
		t.Errorf("Expected latest body, got %s", list[0].ResponseData)
	}
}

func TestResponses_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetResponse(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestResponses_NullBodies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertResponse(ctx, CachedResponse{DataKey: "empty", Controller: "view", Action: "a"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetResponse(ctx, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestData != nil || got.ResponseData != nil {
		t.Errorf("Expected nil bodies, got %s / %s", got.RequestData, got.ResponseData)
	}
}

func TestResponses_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []CachedResponse{
		{DataKey: "old", Controller: "view", Action: "a", LastAccessed: now.Add(-48 * time.Hour)},
		{DataKey: "older", Controller: "view", Action: "a", LastAccessed: now.Add(-72 * time.Hour)},
		{DataKey: "fresh", Controller: "view", Action: "a", LastAccessed: now},
	}
	for _, r := range rows {
		if err := s.UpsertResponse(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneResponses(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Expected 2 pruned rows, got %d", n)
	}

	list, err := s.ListResponses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].DataKey != "fresh" {
		t.Errorf("Expected only fresh to survive, got %+v", list)
	}
}

func TestResponses_ListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, key := range []string{"a", "b", "c"} {
		if err := s.UpsertResponse(ctx, CachedResponse{
			DataKey:      key,
			Controller:   "view",
			Action:       "x",
			LastAccessed: now.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListResponses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].DataKey != "c" || list[2].DataKey != "a" {
		t.Errorf("Expected most recent first, got %+v", list)
	}
}
