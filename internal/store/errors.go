package store

import "errors"

var (
	ErrNotFound = errors.New("entry not found")
	ErrClosed   = errors.New("store is closed")
	// ErrCorruptImage marks a durable image that could not be loaded. It is
	// handled inside Open by discarding the image and never reaches callers.
	ErrCorruptImage = errors.New("persisted store image is corrupt")
)
