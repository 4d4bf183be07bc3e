package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorGroups(t *testing.T) {
	tests := []struct {
		err   error
		group error
	}{
		{err: ErrBannedOpcode, group: ErrValidation},
		{err: ErrValidationTimeout, group: ErrValidation},
		{err: ErrDuplicateNonceLowerFee, group: ErrPool},
		{err: ErrEntityBanned, group: ErrPool},
		{err: ErrNoEligibleOps, group: ErrBuilder},
		{err: ErrUnderpriced, group: ErrSubmission},
	}

	groups := []error{ErrValidation, ErrPool, ErrBuilder, ErrSubmission}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			for _, g := range groups {
				assert.Equal(t, g == tt.group, errors.Is(tt.err, g))
			}
		})
	}
}

func TestTypedErrors(t *testing.T) {
	t.Run("validation error", func(t *testing.T) {
		err := fmt.Errorf("rejected: %w", NewValidationError(ErrBannedOpcode, "TIMESTAMP in %s phase", "account"))

		assert.ErrorIs(t, err, ErrBannedOpcode)
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotErrorIs(t, err, ErrInvalidStorageAccess)
		assert.Contains(t, err.Error(), "TIMESTAMP in account phase")

		var vErr *ValidationError
		assert.True(t, errors.As(err, &vErr))
		assert.Equal(t, ErrBannedOpcode, vErr.Kind)
	})

	t.Run("pool error", func(t *testing.T) {
		err := NewPoolError(ErrPoolFull, "capacity %d", 2)

		assert.ErrorIs(t, err, ErrPoolFull)
		assert.ErrorIs(t, err, ErrPool)
		assert.Equal(t, "pool rejected operation: pool is full: capacity 2", err.Error())
	})

	t.Run("submission error keeps the cause", func(t *testing.T) {
		cause := errors.New("replacement transaction underpriced")
		err := NewSubmissionError(ErrUnderpriced, 1, cause)

		assert.ErrorIs(t, err, ErrUnderpriced)
		assert.ErrorIs(t, err, ErrSubmission)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "bundle submission failed: underpriced (attempt 1): replacement transaction underpriced", err.Error())
	})

	t.Run("submission error without cause", func(t *testing.T) {
		err := NewSubmissionError(ErrResubmissionsExhausted, 3, nil)

		assert.ErrorIs(t, err, ErrResubmissionsExhausted)
		assert.Equal(t, "bundle submission failed: resubmission attempts exhausted (attempt 3)", err.Error())
	})
}
