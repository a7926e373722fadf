package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

func TestOutboxClaimDrainCycle(t *testing.T) {
	ctx := context.Background()
	s := NewOutboxStore()
	msg := message.NewCommand("t", "payload")

	id, err := s.Add(ctx, msg, storage.OutboxOptions{Destination: "svc-a", MaxRetries: 3})
	require.NoError(t, err)

	count, err := s.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	pending, err := s.GetPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	claimed, err := s.TryClaim(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	claimedAgain, err := s.TryClaim(ctx, id)
	require.NoError(t, err)
	require.False(t, claimedAgain)

	ok, err := s.MarkProcessed(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	count, err = s.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.OutboxProcessed, entry.Status)
	require.NotNil(t, entry.ProcessedAt)

	// idempotent terminal
	ok, err = s.MarkProcessed(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOutboxRetryThenFail(t *testing.T) {
	ctx := context.Background()
	s := NewOutboxStore()
	msg := message.NewCommand("t", "payload")
	id, err := s.Add(ctx, msg, storage.OutboxOptions{Destination: "svc-a", MaxRetries: 2})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		claimed, err := s.TryClaim(ctx, id)
		require.NoError(t, err)
		require.True(t, claimed)

		next := time.Now().Add(time.Millisecond)
		require.NoError(t, s.UpdateRetryCount(ctx, id, i, &next))

		entry, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, i, entry.RetryCount)
		require.Equal(t, storage.OutboxPending, entry.Status)
	}

	claimed, err := s.TryClaim(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := s.MarkFailed(ctx, id, "exhausted retries")
	require.NoError(t, err)
	require.True(t, ok)

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.OutboxFailed, entry.Status)
	require.Equal(t, "exhausted retries", entry.LastError)
}

func TestOutboxAddInvalidOptions(t *testing.T) {
	ctx := context.Background()
	s := NewOutboxStore()
	_, err := s.Add(ctx, message.NewCommand("t", nil), storage.OutboxOptions{})
	require.Error(t, err)
}
