package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestQueueMutation_AppendsWithRequestHandle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.QueueMutation(ctx, "", MutationPayload{
		Controller: "create",
		Action:     "addresults",
		Params:     json.RawMessage(`{"reps":5}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !res.Appended {
		t.Error("Expected Appended=true")
	}
	if res.Mutation.RequestID == 0 {
		t.Error("Expected request id to be assigned")
	}
	if res.Mutation.CorrelationID != "req-1" {
		t.Errorf("Expected correlation id \"req-1\", got %q", res.Mutation.CorrelationID)
	}
	if res.Mutation.Failed != StatePending {
		t.Errorf("Expected pending state, got %s", res.Mutation.Failed)
	}

	found, err := s.FindMutation(ctx, "req-1")
	if err != nil {
		t.Fatalf("FindMutation: %v", err)
	}
	if found.Payload.Action != "addresults" {
		t.Errorf("Expected addresults, got %q", found.Payload.Action)
	}
}

func TestQueueMutation_RequestIDsIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		res, err := s.QueueMutation(ctx, "", MutationPayload{Controller: "create", Action: "addresults"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Mutation.RequestID <= last {
			t.Fatalf("Expected increasing request ids, got %d after %d", res.Mutation.RequestID, last)
		}
		last = res.Mutation.RequestID
	}

	list, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 5 {
		t.Fatalf("Expected 5 queued mutations, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].RequestID <= list[i-1].RequestID {
			t.Errorf("ListMutations not in replay order: %v", list)
		}
	}
}

func TestQueueMutation_FoldReplaceKeepsPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.QueueMutation(ctx, "42", MutationPayload{
		Controller: "edit",
		Action:     "changeresults",
		Params:     json.RawMessage(`{"id":42,"reps":5}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.QueueMutation(ctx, "", MutationPayload{Controller: "create", Action: "addresults"}, nil); err != nil {
		t.Fatal(err)
	}

	fold := func(existing QueuedMutation, incoming MutationPayload) (FoldAction, MutationPayload, error) {
		return FoldReplace, MutationPayload{
			Controller: existing.Payload.Controller,
			Action:     existing.Payload.Action,
			Params:     incoming.Params,
		}, nil
	}

	res, err := s.QueueMutation(ctx, "42", MutationPayload{
		Controller: "edit",
		Action:     "changeresults",
		Params:     json.RawMessage(`{"id":42,"reps":8}`),
	}, fold)
	if err != nil {
		t.Fatal(err)
	}

	if res.Appended {
		t.Error("Expected fold, not append")
	}
	if res.Action != FoldReplace {
		t.Errorf("Expected FoldReplace, got %d", res.Action)
	}
	if res.Mutation.RequestID != first.Mutation.RequestID {
		t.Errorf("Expected request id %d to be kept, got %d", first.Mutation.RequestID, res.Mutation.RequestID)
	}

	list, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(list))
	}
	if list[0].CorrelationID != "42" {
		t.Errorf("Expected folded row to stay first, got %+v", list[0])
	}
	if string(list[0].Payload.Params) != `{"id":42,"reps":8}` {
		t.Errorf("Expected replaced params, got %s", list[0].Payload.Params)
	}
}

func TestQueueMutation_FoldDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.QueueMutation(ctx, "9", MutationPayload{Controller: "create", Action: "addresults"}, nil); err != nil {
		t.Fatal(err)
	}

	res, err := s.QueueMutation(ctx, "9", MutationPayload{Controller: "delete", Action: "removeresults"},
		func(QueuedMutation, MutationPayload) (FoldAction, MutationPayload, error) {
			return FoldDelete, MutationPayload{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != FoldDelete {
		t.Errorf("Expected FoldDelete, got %d", res.Action)
	}

	if _, err := s.FindMutation(ctx, "9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected row to be gone, got %v", err)
	}
}

func TestQueueMutation_FoldErrorRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.QueueMutation(ctx, "7", MutationPayload{
		Controller: "edit",
		Action:     "changeresults",
		Params:     json.RawMessage(`{"reps":1}`),
	}, nil); err != nil {
		t.Fatal(err)
	}

	foldErr := errors.New("cannot fold")
	_, err := s.QueueMutation(ctx, "7", MutationPayload{Controller: "edit", Action: "changeresults"},
		func(QueuedMutation, MutationPayload) (FoldAction, MutationPayload, error) {
			return FoldKeep, MutationPayload{}, foldErr
		})
	if !errors.Is(err, foldErr) {
		t.Fatalf("Expected fold error, got %v", err)
	}

	m, err := s.FindMutation(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Payload.Params) != `{"reps":1}` {
		t.Errorf("Expected original params, got %s", m.Payload.Params)
	}
}

func TestQueueMutation_NilFoldReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.QueueMutation(ctx, "c", MutationPayload{Controller: "edit", Action: "a", Params: json.RawMessage(`{"v":1}`)}, nil); err != nil {
		t.Fatal(err)
	}
	res, err := s.QueueMutation(ctx, "c", MutationPayload{Controller: "edit", Action: "a", Params: json.RawMessage(`{"v":2}`)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Appended || res.Action != FoldReplace {
		t.Errorf("Expected in-place replace, got %+v", res)
	}
}

func TestMarkMutationFailed_TwoStrikes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.QueueMutation(ctx, "", MutationPayload{Controller: "create", Action: "addresults"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	id := res.Mutation.RequestID

	state, err := s.MarkMutationFailed(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateFailedOnce {
		t.Errorf("Expected failed-once, got %s", state)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FailedMutations != 1 || stats.PendingMutations != 0 {
		t.Errorf("Expected 1 failed and 0 pending, got %+v", stats)
	}

	state, err = s.MarkMutationFailed(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if state != StateFailedTwice {
		t.Errorf("Expected failed-twice, got %s", state)
	}

	list, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("Expected row to be abandoned, queue has %d rows", len(list))
	}
}

func TestMarkMutationFailed_MissingRow(t *testing.T) {
	s := newTestStore(t)

	_, err := s.MarkMutationFailed(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMutation_MissingRow(t *testing.T) {
	s := newTestStore(t)

	err := s.DeleteMutation(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFailureState_String(t *testing.T) {
	tests := []struct {
		state FailureState
		want  string
	}{
		{StatePending, "pending"},
		{StateFailedOnce, "failed-once"},
		{StateFailedTwice, "failed-twice"},
		{FailureState(5), "unknown(5)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("FailureState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestCountMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CountMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.QueueMutation(ctx, "", MutationPayload{Controller: "create", Action: "a"}, nil); err != nil {
			t.Fatal(err)
		}
	}

	n, err = s.CountMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Expected 3, got %d", n)
	}
}

func TestQueueMutation_CallerIDsDoNotCollideWithHandles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A caller id that looks like the next request id.
	edit, err := s.QueueMutation(ctx, "2", MutationPayload{
		Controller: "edit",
		Action:     "changeresults",
		Params:     json.RawMessage(`{"id":2,"reps":3}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if edit.Mutation.RequestID != 1 {
		t.Fatalf("Expected request id 1, got %d", edit.Mutation.RequestID)
	}

	// Gets request id 2.
	create, err := s.QueueMutation(ctx, "", MutationPayload{Controller: "create", Action: "addresults"}, nil)
	if err != nil {
		t.Fatalf("Expected uncorrelated write to queue, got %v", err)
	}
	if !create.Appended || create.Mutation.CorrelationID != "req-2" {
		t.Errorf("Expected appended row with handle req-2, got %+v", create)
	}

	// Caller id "2" still names the edit, not request 2.
	folded, err := s.QueueMutation(ctx, "2", MutationPayload{
		Controller: "edit",
		Action:     "changeresults",
		Params:     json.RawMessage(`{"id":2,"reps":4}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if folded.Appended || folded.Mutation.RequestID != edit.Mutation.RequestID {
		t.Errorf("Expected fold into request %d, got %+v", edit.Mutation.RequestID, folded)
	}

	list, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(list))
	}
	if list[1].Payload.Controller != "create" {
		t.Errorf("Expected the create untouched, got %+v", list[1])
	}
}

func TestQueueMutation_StaleHandleAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.QueueMutation(ctx, "", MutationPayload{Controller: "create", Action: "addresults"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMutation(ctx, first.Mutation.RequestID); err != nil {
		t.Fatal(err)
	}

	// The handle outlived its row; the next write is a fresh one.
	res, err := s.QueueMutation(ctx, first.Mutation.CorrelationID, MutationPayload{Controller: "edit", Action: "changeresults"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Appended {
		t.Fatalf("Expected a new row, got %+v", res)
	}
	if res.Mutation.CorrelationID != RequestHandle(res.Mutation.RequestID) {
		t.Errorf("Expected the new row's own handle, got %q", res.Mutation.CorrelationID)
	}

	// Another write naming the new row's own handle folds into it.
	again, err := s.QueueMutation(ctx, res.Mutation.CorrelationID, MutationPayload{Controller: "edit", Action: "changeresults"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Appended {
		t.Errorf("Expected a fold, got %+v", again)
	}
}

func TestGetMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Query(ctx, `INSERT INTO requests (request) VALUES (?)`,
		`{"controller":"edit","action":"changeresults"}`); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].CorrelationID != "" {
		t.Fatalf("Expected one row without a correlation id, got %+v", list)
	}

	m, err := s.GetMutation(ctx, list[0].RequestID)
	if err != nil {
		t.Fatalf("GetMutation: %v", err)
	}
	if m.Payload.Action != "changeresults" {
		t.Errorf("Expected changeresults, got %q", m.Payload.Action)
	}

	if _, err := s.GetMutation(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
