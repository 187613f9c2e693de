package storage

import "errors"

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownModel is returned when a backend is asked about a model
	// it has no table for.
	ErrUnknownModel = errors.New("unknown model")

	// ErrTxDone is returned when a committed or rolled-back transaction
	// is used again.
	ErrTxDone = errors.New("transaction has already been committed or rolled back")

	// ErrCancelled is returned when the request context was cancelled
	// mid-operation.
	ErrCancelled = errors.New("request has been cancelled")
)
