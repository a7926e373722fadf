package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/storage/memory"
)

func TestInboxAddFirstDuplicateSkipsHandler(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.NewInboxStore(), zerolog.Nop())
	msg := message.NewEvent("t", "payload")

	calls := 0
	handle := func(ctx context.Context, msg message.Message) error { calls++; return nil }

	first, err := e.Add(ctx, msg, storage.InboxOptions{RequireIdempotency: true, DedupWindow: time.Hour})
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, e.Process(ctx, *first, handle))

	second, err := e.Add(ctx, msg, storage.InboxOptions{RequireIdempotency: true, DedupWindow: time.Hour})
	require.NoError(t, err)
	require.Nil(t, second)

	require.Equal(t, 1, calls)

	dup, err := e.IsDuplicate(ctx, msg.ID.String(), time.Hour)
	require.NoError(t, err)
	require.True(t, dup)
}

func TestInboxProcessFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInboxStore()
	e := NewEngine(store, zerolog.Nop())
	msg := message.NewEvent("t", "payload")

	entry, err := e.Add(ctx, msg, storage.InboxOptions{})
	require.NoError(t, err)

	wantErr := errors.New("handler exploded")
	err = e.Process(ctx, *entry, func(ctx context.Context, msg message.Message) error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	got, err := store.Get(ctx, msg.ID.String())
	require.NoError(t, err)
	require.Equal(t, storage.InboxFailed, got.Status)
}

func TestInboxProcessTransientReleases(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInboxStore()
	e := NewEngine(store, zerolog.Nop())
	msg := message.NewEvent("t", "payload")

	entry, err := e.Add(ctx, msg, storage.InboxOptions{})
	require.NoError(t, err)

	claimed, err := e.Claim(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second drain instance loses the claim race.
	claimed, err = e.Claim(ctx, entry.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	wantErr := herrors.Transient("test", "store offline", errors.New("dial refused"))
	err = e.Process(ctx, *entry, func(ctx context.Context, msg message.Message) error { return wantErr })
	require.ErrorIs(t, err, wantErr)

	// Released back to Pending, eligible for the next drain.
	got, err := store.Get(ctx, msg.ID.String())
	require.NoError(t, err)
	require.Equal(t, storage.InboxPending, got.Status)

	claimed, err = e.Claim(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestInboxCleanup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInboxStore()
	e := NewEngine(store, zerolog.Nop())
	msg := message.NewEvent("t", "payload")
	_, err := e.Add(ctx, msg, storage.InboxOptions{})
	require.NoError(t, err)

	n, err := e.Cleanup(ctx, -time.Hour) // olderThan in the future relative to received-at
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
