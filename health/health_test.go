package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/storage/memory"
)

func TestRegistryAggregatesWorstStatus(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(NewProbe("ok", func(ctx context.Context) Result {
		return Result{Status: Healthy, Description: "fine"}
	}))
	r.Register(NewProbe("slow", func(ctx context.Context) Result {
		return Result{Status: Degraded, Description: "backlog"}
	}))

	report := r.Check(context.Background())
	require.Equal(t, Degraded, report.Status)
	require.Len(t, report.Results, 2)

	r.Register(NewProbe("down", func(ctx context.Context) Result {
		return Result{Status: Unhealthy, Description: "dead"}
	}))
	report = r.Check(context.Background())
	require.Equal(t, Unhealthy, report.Status)
}

func TestRegistryRecoversPanickingProbe(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(NewProbe("boom", func(ctx context.Context) Result {
		panic("probe bug")
	}))
	report := r.Check(context.Background())
	require.Equal(t, Unhealthy, report.Status)
	require.Equal(t, "probe panicked", report.Results["boom"].Description)
}

func TestThresholds(t *testing.T) {
	th := Thresholds{DegradedAt: 10, UnhealthyAt: 100}
	require.Equal(t, Healthy, th.Classify(0))
	require.Equal(t, Healthy, th.Classify(9))
	require.Equal(t, Degraded, th.Classify(10))
	require.Equal(t, Unhealthy, th.Classify(100))
	require.Equal(t, Healthy, Thresholds{}.Classify(1_000_000))
}

func TestMessageStoreProbeRoundTrip(t *testing.T) {
	p := MessageStoreProbe(memory.NewMessageStore())
	result := p.Probe(context.Background())
	require.Equal(t, Healthy, result.Status)
}

func TestOutboxProbeBacklog(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	for i := 0; i < 3; i++ {
		_, err := store.Add(ctx, message.NewCommand("t", nil), storage.OutboxOptions{Destination: "d", MaxRetries: 1})
		require.NoError(t, err)
	}

	p := OutboxProbe(store, Thresholds{DegradedAt: 2, UnhealthyAt: 10})
	result := p.Probe(ctx)
	require.Equal(t, Degraded, result.Status)
	require.Equal(t, 3, result.Data["pending_count"])
}

func TestQueueProbeDepth(t *testing.T) {
	ctx := context.Background()
	store := memory.NewQueueStore()
	_, err := store.Enqueue(ctx, "q", message.NewCommand("t", nil), storage.EnqueueOptions{})
	require.NoError(t, err)

	p := QueueProbe(store, "q", Thresholds{})
	result := p.Probe(ctx)
	require.Equal(t, Healthy, result.Status)
	require.Equal(t, 1, result.Data["queue_depth"])
}

func TestTransportProbe(t *testing.T) {
	up := TransportProbe("amqp", func(ctx context.Context) error { return nil })
	require.Equal(t, Healthy, up.Probe(context.Background()).Status)

	down := TransportProbe("amqp", func(ctx context.Context) error { return errors.New("dial refused") })
	result := down.Probe(context.Background())
	require.Equal(t, Unhealthy, result.Status)
	require.Equal(t, "dial refused", result.Data["last_error"])
}
