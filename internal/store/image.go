package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// imageTables lists the tables restored from a durable image, with explicit
// column lists so a schema drift fails loudly instead of misaligning values.
var imageTables = []struct {
	name    string
	columns string
}{
	{"kv", "key, value"},
	{"requests", "request_id, duplicate_id, request, failed"},
	{"responses", "data_key, controller, action, request_data, response_data, last_accessed"},
}

// loadImage restores the durable image at path into db.
// A missing file is not an error; the store simply starts empty.
func loadImage(db *sql.DB, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: stat: %v", ErrCorruptImage, err)
	}

	if err := upgradeImage(path); err != nil {
		return err
	}

	if _, err := db.Exec("ATTACH DATABASE ? AS disk", path); err != nil {
		return fmt.Errorf("%w: attach: %v", ErrCorruptImage, err)
	}
	defer db.Exec("DETACH DATABASE disk")

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range imageTables {
		stmt := fmt.Sprintf("INSERT INTO main.%s (%s) SELECT %s FROM disk.%s", t.name, t.columns, t.columns, t.name)
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%w: copy %s: %v", ErrCorruptImage, t.name, err)
		}
	}

	// Keep request ids monotonic across restarts even when the highest ids
	// were already delivered and deleted before the last flush.
	if _, err := tx.Exec(`DELETE FROM main.sqlite_sequence WHERE name = 'requests'`); err != nil {
		return fmt.Errorf("%w: reset sequence: %v", ErrCorruptImage, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO main.sqlite_sequence (name, seq)
		SELECT name, seq FROM disk.sqlite_sequence WHERE name = 'requests'
	`); err != nil {
		return fmt.Errorf("%w: copy sequence: %v", ErrCorruptImage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// upgradeImage checks the durable file and migrates it to the current schema
// so that restoring it copies compatible tables.
func upgradeImage(path string) error {
	disk, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrCorruptImage, err)
	}
	defer disk.Close()

	var result string
	if err := disk.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: quick check: %v", ErrCorruptImage, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick check: %s", ErrCorruptImage, result)
	}

	if err := RunMigrations(disk); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}

	return nil
}

// discardImage moves an unreadable image aside, replacing any earlier one.
func discardImage(path string) error {
	aside := path + ".corrupt"
	if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove previous corrupt image: %w", err)
	}
	if err := os.Rename(path, aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("move corrupt image aside: %w", err)
	}
	return nil
}
