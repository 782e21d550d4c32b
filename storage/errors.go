package storage

import "errors"

// Storage errors shared by every TokenStore implementation.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a token whose address is already registered.
	ErrDuplicateKey = errors.New("duplicate key: token already registered")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
