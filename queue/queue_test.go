package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/storage/memory"
)

func TestEngineLazyQueueCreationAndDLQName(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.NewQueueStore(), zerolog.Nop())

	id, err := e.Enqueue(ctx, "orders", message.NewEvent("t", 1), storage.EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Equal(t, "orders.dlq", DLQName("orders"))

	_, err = e.Enqueue(ctx, "orders.dlq", message.NewEvent("t", 1), storage.EnqueueOptions{})
	require.Error(t, err)
}

func TestEngineDequeueAckReject(t *testing.T) {
	ctx := context.Background()
	store := memory.NewQueueStore()
	require.NoError(t, store.CreateQueue(ctx, "q", storage.QueueOptions{VisibilityTimeout: time.Minute, MaxDequeueCount: 3}))
	e := NewEngine(store, zerolog.Nop())

	id, err := e.Enqueue(ctx, "q", message.NewEvent("t", 1), storage.EnqueueOptions{})
	require.NoError(t, err)

	entry, err := e.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, id, entry.ID)

	ok, err := e.Acknowledge(ctx, "q", id)
	require.NoError(t, err)
	require.True(t, ok)

	depth, err := e.Depth(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}
