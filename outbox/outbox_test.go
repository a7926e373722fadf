package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/storage/memory"
	"github.com/koalafacts/heromessaging/transport"
)

func TestOutboxHappyPath(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	e := NewEngine(store, zeroLogger())

	var seen int32
	pub := transport.PublisherFunc(func(ctx context.Context, dest string, msg message.Message) error {
		atomic.AddInt32(&seen, 1)
		return nil
	})

	msg := message.NewCommand("t", "payload")
	_, err := e.Add(ctx, msg, storage.OutboxOptions{Destination: "svc-a", MaxRetries: 3, Backoff: FixedBackoff{Delay: 100 * time.Millisecond}})
	require.NoError(t, err)

	count, err := store.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	result, err := e.DrainOnce(ctx, 10, pub)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.EqualValues(t, 1, seen)

	count, err = store.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestOutboxRetryThenFail(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	e := NewEngine(store, zeroLogger())

	failErr := errors.New("transport down")
	pub := transport.PublisherFunc(func(ctx context.Context, dest string, msg message.Message) error {
		return failErr
	})

	msg := message.NewCommand("t", "payload")
	id, err := e.Add(ctx, msg, storage.OutboxOptions{Destination: "svc-a", MaxRetries: 3, Backoff: FixedBackoff{Delay: time.Millisecond}})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := e.DrainOnce(ctx, 10, pub)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	entry, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.OutboxFailed, entry.Status)
	require.Equal(t, failErr.Error(), entry.LastError)
}

func TestOutboxAddValidation(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.NewOutboxStore(), zeroLogger())
	_, err := e.Add(ctx, message.NewCommand("t", nil), storage.OutboxOptions{})
	require.Error(t, err)
}
