package domain

import "errors"

var (
	// ErrNotFound is returned by lookups when the entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a message with the same external id
	// and platform was already stored.
	ErrDuplicate = errors.New("duplicate message")
)
