package database

import "errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("state conflict")
	ErrDuplicate = errors.New("duplicate record")
)
