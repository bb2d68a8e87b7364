package store

import "errors"

// Infrastructure facts returned (optionally wrapped) by repositories.
// Services translate them into domain errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
