package repository

import "errors"

var (
	ErrNotFound         = errors.New("document not found")
	ErrRevisionConflict = errors.New("document was modified concurrently")
)
