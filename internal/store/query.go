package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
)

// Result is the tabular outcome of Query.
type Result struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
	LastInsertID int64    `json:"last_insert_id,omitempty"`
}

func emptyResult() *Result {
	return &Result{Columns: []string{}, Rows: [][]any{}}
}

// Query runs a parameterized statement against the image.
//
// SELECT, WITH and PRAGMA statements fill Columns and Rows; anything else is
// executed and reports RowsAffected and LastInsertID. A statement the engine
// rejects is logged and yields an empty Result with a nil error.
func (s *Store) Query(ctx context.Context, statement string, args ...any) (*Result, error) {
	res := emptyResult()
	read := isReadStatement(statement)

	err := s.submit(ctx, !read, func(ctx context.Context, db *sql.DB) error {
		var err error
		if read {
			err = selectInto(ctx, db, res, statement, args)
		} else {
			err = execInto(ctx, db, res, statement, args)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("query failed",
				"component", "store",
				"action", "query_failed",
				"statement", statement,
				"error", err,
			)
			*res = *emptyResult()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func selectInto(ctx context.Context, db *sql.DB, res *Result, statement string, args []any) error {
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	res.Columns = columns

	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}

	return rows.Err()
}

func execInto(ctx context.Context, db *sql.DB, res *Result, statement string, args []any) error {
	result, err := db.ExecContext(ctx, statement, args...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	if id, err := result.LastInsertId(); err == nil {
		res.LastInsertID = id
	}
	return nil
}

func isReadStatement(statement string) bool {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "PRAGMA", "EXPLAIN":
		return true
	}
	return false
}
