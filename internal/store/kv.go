package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Get returns the serialized value stored under key.
// Returns ErrNotFound if the key is absent.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// GetJSON decodes the value stored under key into v.
// It reports false, with a nil error, when the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode key %q: %w", key, err)
	}
	return true, nil
}

// Set stores value, serialized as JSON, under key.
// A json.RawMessage is stored verbatim.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode key %q: %w", key, err)
	}

	return s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, string(encoded))
		if err != nil {
			return fmt.Errorf("set key: %w", err)
		}
		return nil
	})
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("remove key: %w", err)
		}
		return nil
	})
}

// Keys returns every key in the key/value space, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key ASC`)
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return fmt.Errorf("scan key: %w", err)
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear empties the whole store: key/value entries, cached responses and
// queued mutations.
func (s *Store) Clear(ctx context.Context) error {
	return s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		for _, table := range []string{"kv", "responses", "requests"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}
