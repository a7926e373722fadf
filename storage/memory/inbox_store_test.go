package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

func TestInboxAddFirstDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewInboxStore()
	msg := message.NewEvent("t", "payload")

	first, err := s.Add(ctx, msg, storage.InboxOptions{RequireIdempotency: true, DedupWindow: 24 * time.Hour})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.Add(ctx, msg, storage.InboxOptions{RequireIdempotency: true, DedupWindow: 24 * time.Hour})
	require.NoError(t, err)
	require.Nil(t, second)

	dup, err := s.IsDuplicate(ctx, msg.ID.String(), 24*time.Hour)
	require.NoError(t, err)
	require.True(t, dup)
}

func TestInboxTerminalIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewInboxStore()
	msg := message.NewEvent("t", "payload")
	_, err := s.Add(ctx, msg, storage.InboxOptions{})
	require.NoError(t, err)

	ok, err := s.MarkProcessed(ctx, msg.ID.String())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkProcessed(ctx, msg.ID.String())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.MarkFailed(ctx, msg.ID.String(), "boom")
	require.Error(t, err)
}

func TestInboxCleanup(t *testing.T) {
	ctx := context.Background()
	s := NewInboxStore()
	msg := message.NewEvent("t", "old")
	_, err := s.Add(ctx, msg, storage.InboxOptions{})
	require.NoError(t, err)

	n, err := s.CleanupOldEntries(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, msg.ID.String())
	require.Error(t, err)
}
