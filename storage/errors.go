package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a compare-and-swap update loses to a
	// concurrent writer. Callers retry the read-transition-write cycle.
	ErrConflict = errors.New("entity changed concurrently")

	// ErrAlreadyExists is returned when creating an entity whose id is
	// already stored.
	ErrAlreadyExists = errors.New("entity already exists")
)
