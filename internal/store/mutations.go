package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FailureState counts consecutive failed deliveries of a queued mutation.
type FailureState int

const (
	StatePending FailureState = iota
	StateFailedOnce
	// StateFailedTwice is terminal: the row is deleted as soon as it is reached.
	StateFailedTwice
)

func (f FailureState) String() string {
	switch f {
	case StatePending:
		return "pending"
	case StateFailedOnce:
		return "failed-once"
	case StateFailedTwice:
		return "failed-twice"
	default:
		return "unknown(" + strconv.Itoa(int(f)) + ")"
	}
}

// MutationPayload is the write intent replayed against the remote API.
type MutationPayload struct {
	Controller string          `json:"controller"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
	// Token is the idempotency token sent with every delivery attempt.
	Token string `json:"token,omitempty"`
}

// QueuedMutation is one row of the requests table.
type QueuedMutation struct {
	RequestID     int64           `json:"request_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       MutationPayload `json:"payload"`
	Failed        FailureState    `json:"failed"`
}

// FoldAction tells QueueMutation what to do with an existing row that shares
// the incoming correlation id.
type FoldAction int

const (
	// FoldKeep leaves the existing row untouched.
	FoldKeep FoldAction = iota
	// FoldReplace stores the payload returned by the FoldFunc on the existing
	// row. The row keeps its request id, and so its replay position.
	FoldReplace
	// FoldDelete removes the existing row.
	FoldDelete
)

// FoldFunc decides how an incoming intent combines with a queued row.
// It runs on the store's actor and must not call back into the Store.
type FoldFunc func(existing QueuedMutation, incoming MutationPayload) (FoldAction, MutationPayload, error)

// QueueResult reports what QueueMutation did.
type QueueResult struct {
	Mutation QueuedMutation
	// Appended is true when no row shared the correlation id and a new
	// pending row was created.
	Appended bool
	// Action is the fold decision applied to an existing row.
	Action FoldAction
}

// RequestHandlePrefix marks correlation ids the store assigns itself. Caller
// ids carrying it are only honoured while the row they name is queued.
const RequestHandlePrefix = "req-"

// RequestHandle is the correlation id given to a row queued without one.
func RequestHandle(requestID int64) string {
	return RequestHandlePrefix + strconv.FormatInt(requestID, 10)
}

// QueueMutation records a write intent in one atomic step. When correlationID
// names a queued row, fold decides what happens to that row; otherwise a new
// pending row is appended. A new row without a correlation id, or with a
// handle whose row is gone, is identified by RequestHandle.
func (s *Store) QueueMutation(ctx context.Context, correlationID string, payload MutationPayload, fold FoldFunc) (*QueueResult, error) {
	var result QueueResult

	err := s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if correlationID != "" {
			existing, err := scanMutation(tx.QueryRowContext(ctx, `
				SELECT request_id, duplicate_id, request, failed
				FROM requests WHERE duplicate_id = ?
			`, correlationID))
			switch {
			case err == nil:
				if err := applyFold(ctx, tx, existing, payload, fold, &result); err != nil {
					return err
				}
				return tx.Commit()
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("find queued mutation: %w", err)
			}
		}

		if strings.HasPrefix(correlationID, RequestHandlePrefix) {
			// The handle's row was delivered or abandoned.
			correlationID = ""
		}

		m, err := insertMutation(ctx, tx, correlationID, payload)
		if err != nil {
			return err
		}
		result = QueueResult{Mutation: *m, Appended: true}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// replaceFold is used when QueueMutation is given no FoldFunc.
func replaceFold(_ QueuedMutation, incoming MutationPayload) (FoldAction, MutationPayload, error) {
	return FoldReplace, incoming, nil
}

func applyFold(ctx context.Context, tx *sql.Tx, existing *QueuedMutation, incoming MutationPayload, fold FoldFunc, result *QueueResult) error {
	if fold == nil {
		fold = replaceFold
	}
	action, merged, err := fold(*existing, incoming)
	if err != nil {
		return fmt.Errorf("fold mutation %d: %w", existing.RequestID, err)
	}

	result.Action = action
	result.Mutation = *existing

	switch action {
	case FoldKeep:
		return nil
	case FoldReplace:
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE requests SET request = ? WHERE request_id = ?`,
			string(encoded), existing.RequestID); err != nil {
			return fmt.Errorf("update queued mutation: %w", err)
		}
		result.Mutation.Payload = merged
		return nil
	case FoldDelete:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM requests WHERE request_id = ?`, existing.RequestID); err != nil {
			return fmt.Errorf("delete queued mutation: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown fold action %d", action)
	}
}

func insertMutation(ctx context.Context, tx *sql.Tx, correlationID string, payload MutationPayload) (*QueuedMutation, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var duplicateID any
	if correlationID != "" {
		duplicateID = correlationID
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO requests (duplicate_id, request, failed) VALUES (?, ?, 0)
	`, duplicateID, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("insert queued mutation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	if correlationID == "" {
		correlationID = RequestHandle(id)
		if _, err := tx.ExecContext(ctx,
			`UPDATE requests SET duplicate_id = ? WHERE request_id = ?`,
			correlationID, id); err != nil {
			return nil, fmt.Errorf("assign correlation id: %w", err)
		}
	}

	return &QueuedMutation{
		RequestID:     id,
		CorrelationID: correlationID,
		Payload:       payload,
		Failed:        StatePending,
	}, nil
}

// ListMutations returns every queued mutation in replay order.
func (s *Store) ListMutations(ctx context.Context) ([]QueuedMutation, error) {
	mutations := make([]QueuedMutation, 0)

	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT request_id, duplicate_id, request, failed
			FROM requests
			ORDER BY request_id ASC
		`)
		if err != nil {
			return fmt.Errorf("query queued mutations: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMutation(rows)
			if err != nil {
				return fmt.Errorf("scan queued mutation: %w", err)
			}
			mutations = append(mutations, *m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return mutations, nil
}

// FindMutation returns the queued row carrying correlationID.
// Returns ErrNotFound if none does.
func (s *Store) FindMutation(ctx context.Context, correlationID string) (*QueuedMutation, error) {
	var m *QueuedMutation
	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		var err error
		m, err = scanMutation(db.QueryRowContext(ctx, `
			SELECT request_id, duplicate_id, request, failed
			FROM requests WHERE duplicate_id = ?
		`, correlationID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("correlation id %q: %w", correlationID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("find queued mutation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMutation returns the queued row with requestID.
// Returns ErrNotFound if it is no longer queued.
func (s *Store) GetMutation(ctx context.Context, requestID int64) (*QueuedMutation, error) {
	var m *QueuedMutation
	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		var err error
		m, err = scanMutation(db.QueryRowContext(ctx, `
			SELECT request_id, duplicate_id, request, failed
			FROM requests WHERE request_id = ?
		`, requestID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("request %d: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get queued mutation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMutation removes a delivered row.
// Returns ErrNotFound if the row no longer exists.
func (s *Store) DeleteMutation(ctx context.Context, requestID int64) error {
	return s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM requests WHERE request_id = ?`, requestID)
		if err != nil {
			return fmt.Errorf("delete queued mutation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("request %d: %w", requestID, ErrNotFound)
		}
		return nil
	})
}

// MarkMutationFailed records one more consecutive delivery failure and
// returns the resulting state. A row reaching StateFailedTwice is deleted in
// the same step.
func (s *Store) MarkMutationFailed(ctx context.Context, requestID int64) (FailureState, error) {
	var state FailureState

	err := s.submit(ctx, true, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		err = tx.QueryRowContext(ctx, `
			UPDATE requests SET failed = failed + 1
			WHERE request_id = ?
			RETURNING failed
		`, requestID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("request %d: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("mark queued mutation failed: %w", err)
		}

		if state >= StateFailedTwice {
			if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id = ?`, requestID); err != nil {
				return fmt.Errorf("abandon queued mutation: %w", err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	return state, nil
}

func scanMutation(scanner interface{ Scan(...any) error }) (*QueuedMutation, error) {
	var m QueuedMutation
	var duplicateID sql.NullString
	var request string

	if err := scanner.Scan(&m.RequestID, &duplicateID, &request, &m.Failed); err != nil {
		return nil, err
	}

	m.CorrelationID = duplicateID.String
	if err := json.Unmarshal([]byte(request), &m.Payload); err != nil {
		return nil, fmt.Errorf("parse request JSON: %w", err)
	}

	return &m, nil
}

// CountMutations returns the number of queued rows in any state.
func (s *Store) CountMutations(ctx context.Context) (int, error) {
	var n int
	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
			return fmt.Errorf("count queued mutations: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
