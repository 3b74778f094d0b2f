package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CachedResponse is the last successful result for a read query key.
type CachedResponse struct {
	DataKey      string          `json:"data_key"`
	Controller   string          `json:"controller"`
	Action       string          `json:"action"`
	RequestData  json.RawMessage `json:"request_data,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// UpsertResponse stores r, replacing any row with the same data key.
// A zero LastAccessed is stamped with the current time.
func (s *Store) UpsertResponse(ctx context.Context, r CachedResponse) error {
	if r.LastAccessed.IsZero() {
		r.LastAccessed = time.Now().UTC()
	}

	return s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO responses (data_key, controller, action, request_data, response_data, last_accessed)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(data_key) DO UPDATE SET
				controller = excluded.controller,
				action = excluded.action,
				request_data = excluded.request_data,
				response_data = excluded.response_data,
				last_accessed = excluded.last_accessed
		`,
			r.DataKey,
			r.Controller,
			r.Action,
			nullableJSON(r.RequestData),
			nullableJSON(r.ResponseData),
			r.LastAccessed.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert response: %w", err)
		}
		return nil
	})
}

// GetResponse returns the cached row for dataKey and stamps its
// last_accessed time. Returns ErrNotFound if nothing is cached.
func (s *Store) GetResponse(ctx context.Context, dataKey string) (*CachedResponse, error) {
	var r *CachedResponse
	now := time.Now().UTC()

	err := s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		var err error
		r, err = scanResponse(db.QueryRowContext(ctx, `
			SELECT data_key, controller, action, request_data, response_data, last_accessed
			FROM responses WHERE data_key = ?
		`, dataKey))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("data key %q: %w", dataKey, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("scan response: %w", err)
		}

		if _, err := db.ExecContext(ctx,
			`UPDATE responses SET last_accessed = ? WHERE data_key = ?`,
			now.UnixMilli(), dataKey); err != nil {
			return fmt.Errorf("touch response: %w", err)
		}
		r.LastAccessed = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// ListResponses returns every cached response, most recently accessed first.
func (s *Store) ListResponses(ctx context.Context) ([]CachedResponse, error) {
	responses := make([]CachedResponse, 0)

	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT data_key, controller, action, request_data, response_data, last_accessed
			FROM responses
			ORDER BY last_accessed DESC, data_key ASC
		`)
		if err != nil {
			return fmt.Errorf("query responses: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanResponse(rows)
			if err != nil {
				return fmt.Errorf("scan response: %w", err)
			}
			responses = append(responses, *r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return responses, nil
}

// PruneResponses deletes cached responses not accessed since before.
// Returns the number of rows removed.
func (s *Store) PruneResponses(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM responses WHERE last_accessed < ?`, before.UnixMilli())
		if err != nil {
			return fmt.Errorf("prune responses: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanResponse(scanner interface{ Scan(...any) error }) (*CachedResponse, error) {
	var r CachedResponse
	var requestData, responseData sql.NullString
	var lastAccessed int64

	if err := scanner.Scan(&r.DataKey, &r.Controller, &r.Action, &requestData, &responseData, &lastAccessed); err != nil {
		return nil, err
	}

	if requestData.Valid {
		r.RequestData = json.RawMessage(requestData.String)
	}
	if responseData.Valid {
		r.ResponseData = json.RawMessage(responseData.String)
	}
	r.LastAccessed = time.UnixMilli(lastAccessed).UTC()

	return &r, nil
}

// nullableJSON converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty payloads, string otherwise.
func nullableJSON(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
