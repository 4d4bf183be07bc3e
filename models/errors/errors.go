package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation groups the rejections produced by the validator.
	ErrValidation = errors.New("validation failed")
	// ErrPool groups the admission errors of the pool.
	ErrPool = errors.New("pool rejected operation")
	// ErrBuilder groups bundle construction errors.
	ErrBuilder = errors.New("bundle construction failed")
	// ErrSubmission groups bundle submission errors.
	ErrSubmission = errors.New("bundle submission failed")
)

// Validation errors
var (
	ErrMalformedOperation   = fmt.Errorf("%w: malformed operation", ErrValidation)
	ErrBannedOpcode         = fmt.Errorf("%w: banned opcode", ErrValidation)
	ErrInvalidStorageAccess = fmt.Errorf("%w: invalid storage access", ErrValidation)
	ErrGasLimitExceeded     = fmt.Errorf("%w: gas limit exceeded", ErrValidation)
	ErrInvalidSignature     = fmt.Errorf("%w: invalid signature", ErrValidation)
	ErrSimulationReverted   = fmt.Errorf("%w: simulation reverted", ErrValidation)
	ErrValidationTimeout    = fmt.Errorf("%w: validation timed out", ErrValidation)
	ErrOutOfTimeRange       = fmt.Errorf("%w: outside of validity window", ErrValidation)
)

// Pool errors
var (
	ErrDuplicateNonceLowerFee = fmt.Errorf("%w: replacement fee too low", ErrPool)
	ErrPoolFull               = fmt.Errorf("%w: pool is full", ErrPool)
	ErrEntityThrottled        = fmt.Errorf("%w: entity throttled", ErrPool)
	ErrEntityBanned           = fmt.Errorf("%w: entity banned", ErrPool)
	ErrExpired                = fmt.Errorf("%w: operation expired", ErrPool)
	ErrAlreadyKnown           = fmt.Errorf("%w: operation already known", ErrPool)
	ErrSenderLimit            = fmt.Errorf("%w: too many pending operations for sender", ErrPool)
	ErrNotCurrent             = fmt.Errorf("%w: entry is no longer the current holder of its key", ErrPool)
	ErrRateLimit              = fmt.Errorf("%w: submission rate limit reached", ErrPool)
)

// Builder errors
var (
	ErrNoEligibleOps      = fmt.Errorf("%w: no eligible operations", ErrBuilder)
	ErrSimulationConflict = fmt.Errorf("%w: simulation conflict", ErrBuilder)
	ErrBundleGasExceeded  = fmt.Errorf("%w: bundle gas limit exceeded", ErrBuilder)
)

// Submission errors
var (
	ErrRelayRejected          = fmt.Errorf("%w: relay rejected bundle", ErrSubmission)
	ErrSubmissionTimeout      = fmt.Errorf("%w: timed out", ErrSubmission)
	ErrUnderpriced            = fmt.Errorf("%w: underpriced", ErrSubmission)
	ErrResubmissionsExhausted = fmt.Errorf("%w: resubmission attempts exhausted", ErrSubmission)
)

// ValidationError is a validator rejection carrying the reason.
type ValidationError struct {
	Kind   error
	Reason string
}

func NewValidationError(kind error, format string, args ...any) *ValidationError {
	return &ValidationError{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
	}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// PoolError is an admission rejection carrying the reason.
type PoolError struct {
	Kind   error
	Reason string
}

func NewPoolError(kind error, format string, args ...any) *PoolError {
	return &PoolError{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
	}
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *PoolError) Unwrap() error {
	return e.Kind
}

// SubmissionError wraps a chain client error with its classification.
type SubmissionError struct {
	Kind    error
	Attempt int
	Err     error
}

func NewSubmissionError(kind error, attempt int, err error) *SubmissionError {
	return &SubmissionError{
		Kind:    kind,
		Attempt: attempt,
		Err:     err,
	}
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (attempt %d)", e.Kind, e.Attempt)
	}
	return fmt.Sprintf("%v (attempt %d): %v", e.Kind, e.Attempt, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
