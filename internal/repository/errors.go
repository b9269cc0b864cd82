package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a uniqueness violation, e.g. a taken slug.
	ErrConflict = errors.New("repository: conflict")
)
