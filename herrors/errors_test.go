package herrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeHelpers(t *testing.T) {
	e := NotFound("outbox.Get", "entry-1")
	assert.True(t, IsNotFound(e))
	assert.False(t, IsConflict(e))
	assert.Equal(t, "entry-1", e.Entry)

	wrapped := errors.New("boom")
	te := Transient("outbox.drain", "publish failed", wrapped)
	require.True(t, IsTransient(te))
	assert.True(t, Retryable(te))
	assert.ErrorIs(t, te, wrapped)

	fe := Fatal("outbox.Mark", "entry-2", "terminal transition", nil)
	assert.True(t, IsFatal(fe))
	assert.False(t, Retryable(fe))
}

func TestErrorMessage(t *testing.T) {
	e := Validation("inbox.Add", "message id is required")
	assert.Contains(t, e.Error(), "VALIDATION")
	assert.Contains(t, e.Error(), "inbox.Add")
}
