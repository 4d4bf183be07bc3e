package models

import (
	"errors"
	"fmt"
)

var ErrChainUnavailable = errors.New("chain client unavailable")

func NewRecoverableError(err error) RecoverableError {
	return RecoverableError{err}
}

// RecoverableError is used to signal any types of errors that if encountered
// could be retried again
type RecoverableError struct {
	err error
}

func (r RecoverableError) Unwrap() error {
	return r.err
}

func (r RecoverableError) Error() string {
	return fmt.Sprintf("recoverable error: %v", r.err)
}

func IsRecoverableError(err error) bool {
	return errors.As(err, &RecoverableError{})
}

// NewChainUnavailableError marks a persistent chain client failure, it is
// fatal to forward progress and is never retried.
func NewChainUnavailableError(err error) error {
	return errors.Join(ErrChainUnavailable, err)
}
