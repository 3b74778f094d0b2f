// Package store provides the durable local store used by the offline layer.
//
// The live image is a private in-memory SQLite database. It is reloaded from
// the durable file at startup and written back with VACUUM INTO on Flush and
// Close. Every operation is a closure handed to a single consumer goroutine,
// so no two operations ever touch the image concurrently and a flush always
// sees fully applied mutations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// queueDepth bounds how many submitted operations may wait for the actor.
const queueDepth = 64

// Store is the single-writer durable store.
type Store struct {
	path string
	db   *sql.DB

	mu     sync.RWMutex // guards closed and sends on ops
	closed bool
	ops    chan *op
	done   chan struct{}

	// Owned by the actor goroutine.
	dirty     bool
	lastFlush time.Time
}

type op struct {
	ctx    context.Context
	write  bool
	fn     func(ctx context.Context, db *sql.DB) error
	result chan error
}

// Open loads the durable image at path into memory and starts the actor.
// An empty path or ":memory:" yields a store with no durable backing.
// A durable image that cannot be loaded is moved aside and the store starts
// empty; this never fails Open.
func Open(path string) (*Store, error) {
	if path == ":memory:" {
		path = ""
	}

	if path != "" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := openImage()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := loadImage(db, path); err != nil {
			slog.Warn("discarding unreadable store image",
				"component", "store",
				"action", "image_discarded",
				"path", path,
				"error", err,
			)
			db.Close()
			if err := discardImage(path); err != nil {
				return nil, err
			}
			if db, err = openImage(); err != nil {
				return nil, err
			}
		}
	}

	s := &Store{
		path: path,
		db:   db,
		ops:  make(chan *op, queueDepth),
		done: make(chan struct{}),
	}
	go s.run()

	return s, nil
}

// openImage creates a fresh, migrated in-memory image.
func openImage() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A private in-memory database lives and dies with its connection, so the
	// pool is pinned to exactly one connection that is never recycled.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Path returns the durable image path, or "" for a memory-only store.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) run() {
	defer close(s.done)

	for o := range s.ops {
		if err := o.ctx.Err(); err != nil {
			o.result <- err
			continue
		}
		err := o.fn(o.ctx, s.db)
		if o.write {
			s.dirty = true
		}
		o.result <- err
	}
}

// submit hands fn to the actor and waits for it to be applied.
// write marks the image dirty so the next flush persists it.
func (s *Store) submit(ctx context.Context, write bool, fn func(ctx context.Context, db *sql.DB) error) error {
	o := &op{ctx: ctx, write: write, fn: fn, result: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.ops <- o:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case err := <-o.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush writes the image to the durable file if anything changed since the
// last flush. It is queued behind every operation submitted before it.
func (s *Store) Flush(ctx context.Context) error {
	return s.submit(ctx, false, s.flushImage)
}

// flushImage runs on the actor goroutine only.
func (s *Store) flushImage(ctx context.Context, db *sql.DB) error {
	if s.path == "" || !s.dirty {
		return nil
	}

	tmp := s.path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale temp image: %w", err)
	}

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace image: %w", err)
	}

	s.dirty = false
	s.lastFlush = time.Now().UTC()

	slog.Debug("store image flushed",
		"component", "store",
		"action", "flush",
		"path", s.path,
	)
	return nil
}

// Close flushes the image through the queue, stops the actor and releases
// the in-memory database. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	final := &op{
		ctx:    context.Background(),
		fn:     s.flushImage,
		result: make(chan error, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.ops <- final
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	flushErr := <-final.result
	<-s.done

	if flushErr != nil {
		flushErr = fmt.Errorf("final flush: %w", flushErr)
	}
	return errors.Join(flushErr, s.db.Close())
}

// Stats describes the current contents of the store.
type Stats struct {
	Path             string     `json:"path,omitempty"`
	KVEntries        int        `json:"kv_entries"`
	CachedResponses  int        `json:"cached_responses"`
	PendingMutations int        `json:"pending_mutations"`
	FailedMutations  int        `json:"failed_mutations"`
	Dirty            bool       `json:"dirty"`
	LastFlush        *time.Time `json:"last_flush,omitempty"`
}

// QueuedMutations returns the total queue depth.
func (st Stats) QueuedMutations() int {
	return st.PendingMutations + st.FailedMutations
}

// Stats returns counts for every table in the image.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Path: s.path}

	err := s.submit(ctx, false, func(ctx context.Context, db *sql.DB) error {
		counts := []struct {
			query string
			dest  *int
		}{
			{"SELECT COUNT(*) FROM kv", &stats.KVEntries},
			{"SELECT COUNT(*) FROM responses", &stats.CachedResponses},
			{"SELECT COUNT(*) FROM requests WHERE failed = 0", &stats.PendingMutations},
			{"SELECT COUNT(*) FROM requests WHERE failed > 0", &stats.FailedMutations},
		}
		for _, c := range counts {
			if err := db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
				return fmt.Errorf("count rows: %w", err)
			}
		}

		stats.Dirty = s.dirty
		if !s.lastFlush.IsZero() {
			t := s.lastFlush
			stats.LastFlush = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}
