package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeConflict, "order %s is locked", "ord-1")

	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeConflict, CodeOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestInternalKeepsCodedErrors(t *testing.T) {
	coded := New(CodeNotFound, "order not found")
	assert.Same(t, coded, Internal(coded))

	cause := errors.New("disk full")
	err := Internal(cause)
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, cause)
	assert.False(t, Retryable(err))
}

func TestTransientIsRetryable(t *testing.T) {
	cause := errors.New("could not serialize access")
	err := Transient(cause)

	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Retryable(err))
	assert.True(t, Retryable(fmt.Errorf("create return: %w", err)))
	assert.NoError(t, Transient(nil))
}

func TestRetryableForContextErrors(t *testing.T) {
	assert.True(t, Retryable(Internal(context.DeadlineExceeded)))
	assert.True(t, Retryable(context.Canceled))
	assert.False(t, Retryable(New(CodeValidation, "bad input")))
	assert.False(t, Retryable(nil))
}
