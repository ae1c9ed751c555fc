package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsHelpers_UnwrapWrappedErrors(t *testing.T) {
	base := Conflict("entry-1", "parent %s is not the head", "rev-1")
	wrapped := fmt.Errorf("edit message: %w", base)

	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.False(t, IsUpstreamUnavailable(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestError_Message(t *testing.T) {
	err := Conflict("entry-1", "stale parent")
	assert.Equal(t, "CONFLICT: stale parent (entry=entry-1)", err.Error())

	up := Upstream(errors.New("dial tcp: timeout"), "butler %s", "summit")
	assert.Equal(t, "UPSTREAM_UNAVAILABLE: butler summit: dial tcp: timeout", up.Error())
	assert.True(t, up.Retryable())
	assert.True(t, errors.Is(up, up.Err))
}

func TestValidation_CarriesField(t *testing.T) {
	err := Validation("max_day_obs", "must be greater than min_day_obs")
	assert.Equal(t, "max_day_obs", err.Field)
	assert.False(t, err.Retryable())
}
