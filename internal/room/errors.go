package room

import "errors"

// ErrNotFound also covers failed ownership and membership preconditions so
// callers cannot discover rooms or tickets they have no access to.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrTransport  = errors.New("transport failure")
)
