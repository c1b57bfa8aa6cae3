package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Unauthorized", CodeUnauthorized.String())
	assert.Equal(t, "Busy", CodeBusy.String())
	assert.Equal(t, "ObsoleteClient", CodeObsoleteClient.String())
	assert.Equal(t, "Unknown(99)", Code(99).String())
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := Busy("user %s is syncing", "alice")
	assert.Equal(t, "Busy: user alice is syncing", err.Error())

	cause := errors.New("disk full")
	wrapped := Internal(cause, "writing chunk")
	assert.Equal(t, "Internal: writing chunk: disk full", wrapped.Error())
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeUnauthorized, CodeOf(Unauthorized("bad key")))
	assert.Equal(t, CodeConflict, CodeOf(Conflict("chunk before start")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	// Code survives fmt wrapping.
	err := fmt.Errorf("handling request: %w", AuthRequired("no session"))
	assert.Equal(t, CodeAuthRequired, CodeOf(err))
}

func TestHasCode(t *testing.T) {
	t.Parallel()

	err := Temporary("restarting")
	require.True(t, HasCode(err, CodeTemporary))
	assert.False(t, HasCode(err, CodeBusy))
	assert.False(t, HasCode(nil, CodeTemporary))
}
