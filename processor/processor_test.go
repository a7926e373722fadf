package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/inbox"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/outbox"
	"github.com/koalafacts/heromessaging/queue"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/storage/memory"
	"github.com/koalafacts/heromessaging/transport"
)

func testOpts() Options {
	return Options{Interval: 10 * time.Millisecond, BatchSize: 10, Workers: 2}
}

func TestOutboxProcessorDeliversBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	engine := outbox.NewEngine(store, zerolog.Nop())

	var delivered int32
	pub := transport.PublisherFunc(func(ctx context.Context, dest string, msg message.Message) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := engine.Add(ctx, message.NewCommand("t", i), storage.OutboxOptions{Destination: "svc-a", MaxRetries: 3})
		require.NoError(t, err)
	}

	p := NewOutboxProcessor(engine, pub, testOpts(), zerolog.Nop())
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.Stats().Processed == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 3, atomic.LoadInt32(&delivered))

	count, err := store.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestOutboxProcessorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	engine := outbox.NewEngine(store, zerolog.Nop())

	pub := transport.PublisherFunc(func(ctx context.Context, dest string, msg message.Message) error {
		return errors.New("transport down")
	})

	id, err := engine.Add(ctx, message.NewCommand("t", nil), storage.OutboxOptions{
		Destination: "svc-a",
		MaxRetries:  2,
		Backoff:     outbox.FixedBackoff{Delay: time.Millisecond},
	})
	require.NoError(t, err)

	p := NewOutboxProcessor(engine, pub, testOpts(), zerolog.Nop())
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		entry, err := store.Get(ctx, id)
		return err == nil && entry.Status == storage.OutboxFailed
	}, 2*time.Second, 5*time.Millisecond)

	entry, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, entry.RetryCount)
	require.NotEmpty(t, entry.LastError)
	require.GreaterOrEqual(t, p.Stats().Failed, int64(1))
}

func TestInboxProcessorHandlesRegisteredType(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInboxStore()
	engine := inbox.NewEngine(store, zerolog.Nop())

	msg := message.NewEvent("user.registered", "payload")
	entry, err := engine.Add(ctx, msg, storage.InboxOptions{Source: "amqp"})
	require.NoError(t, err)
	require.NotNil(t, entry)

	var handled int32
	p := NewInboxProcessor(engine, 0, testOpts(), zerolog.Nop())
	p.RegisterHandler("user.registered", func(ctx context.Context, m message.Message) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, msg.ID.String())
		return err == nil && got != nil && got.Status == storage.InboxProcessed
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&handled))
}

func TestInboxProcessorRespectsGrace(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInboxStore()
	engine := inbox.NewEngine(store, zerolog.Nop())

	msg := message.NewEvent("user.registered", nil)
	_, err := engine.Add(ctx, msg, storage.InboxOptions{})
	require.NoError(t, err)

	p := NewInboxProcessor(engine, time.Hour, testOpts(), zerolog.Nop())
	p.RegisterHandler("user.registered", func(ctx context.Context, m message.Message) error { return nil })
	p.Start(ctx)
	defer p.Stop()

	// Entries younger than the grace period stay untouched.
	time.Sleep(50 * time.Millisecond)
	got, err := store.Get(ctx, msg.ID.String())
	require.NoError(t, err)
	require.Equal(t, storage.InboxPending, got.Status)
}

func TestQueueProcessorAcknowledges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewQueueStore()
	engine := queue.NewEngine(store, zerolog.Nop())

	var handled int32
	p := NewQueueProcessor(engine, "work", func(ctx context.Context, m message.Message) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}, testOpts(), zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := engine.Enqueue(ctx, "work", message.NewCommand("job", i), storage.EnqueueOptions{})
		require.NoError(t, err)
	}

	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		depth, err := engine.Depth(ctx, "work")
		return err == nil && depth == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt32(&handled))
	require.EqualValues(t, 2, p.Stats().Processed)
}

func TestQueueProcessorRoutesPoisonToDLQ(t *testing.T) {
	ctx := context.Background()
	store := memory.NewQueueStore()
	engine := queue.NewEngine(store, zerolog.Nop())

	require.NoError(t, engine.EnsureQueue(ctx, "work", storage.QueueOptions{
		MaxDequeueCount:   2,
		VisibilityTimeout: 5 * time.Millisecond,
	}))
	_, err := engine.Enqueue(ctx, "work", message.NewCommand("job", nil), storage.EnqueueOptions{})
	require.NoError(t, err)

	p := NewQueueProcessor(engine, "work", func(ctx context.Context, m message.Message) error {
		return errors.New("handler rejects everything")
	}, testOpts(), zerolog.Nop())
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		depth, err := store.GetQueueDepth(ctx, queue.DLQName("work"))
		return err == nil && depth == 1
	}, 2*time.Second, 5*time.Millisecond)

	depth, err := engine.Depth(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, 0, depth)
}

func TestQueueProcessorRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	store := memory.NewQueueStore()
	engine := queue.NewEngine(store, zerolog.Nop())

	require.NoError(t, engine.EnsureQueue(ctx, "work", storage.QueueOptions{
		MaxDequeueCount:   1,
		VisibilityTimeout: 5 * time.Millisecond,
	}))
	_, err := engine.Enqueue(ctx, "work", message.NewCommand("job", nil), storage.EnqueueOptions{})
	require.NoError(t, err)

	p := NewQueueProcessor(engine, "work", func(ctx context.Context, m message.Message) error {
		panic("handler bug")
	}, testOpts(), zerolog.Nop())
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		return p.Stats().Failed >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, p.Stats().LastError, "handler panicked")
}

func TestProcessorStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := outbox.NewEngine(memory.NewOutboxStore(), zerolog.Nop())
	pub := transport.PublisherFunc(func(ctx context.Context, dest string, msg message.Message) error { return nil })

	p := NewOutboxProcessor(engine, pub, testOpts(), zerolog.Nop())
	p.Start(ctx)
	p.Start(ctx)
	p.Stop()
	p.Stop()
}
