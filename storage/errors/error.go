package errors

import "errors"

var (
	// ErrNotInitialized indicates storage instance was not correctly initialized and contains empty required values.
	ErrNotInitialized = errors.New("storage not initialized")
	// ErrNotFound indicates the resource does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrCorrupted indicates a stored value could not be decoded.
	ErrCorrupted = errors.New("stored value corrupted")
)
