package health

import (
	"context"
	"fmt"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/processor"
	"github.com/koalafacts/heromessaging/storage"
)

// Thresholds maps a backlog count to a status: below DegradedAt is
// Healthy, at or above UnhealthyAt is Unhealthy, in between Degraded.
// The zero value never degrades.
type Thresholds struct {
	DegradedAt  int
	UnhealthyAt int
}

// Classify returns the status for backlog n.
func (t Thresholds) Classify(n int) Status {
	switch {
	case t.UnhealthyAt > 0 && n >= t.UnhealthyAt:
		return Unhealthy
	case t.DegradedAt > 0 && n >= t.DegradedAt:
		return Degraded
	default:
		return Healthy
	}
}

// MessageStoreProbe checks store reachability with a write-read-delete
// round trip against a throwaway collection.
func MessageStoreProbe(store storage.MessageStore) Probe {
	return NewProbe("message_store", func(ctx context.Context) Result {
		msg := message.NewEvent("health.ping", "ping")
		id, err := store.Store(ctx, "health.ping", msg)
		if err != nil {
			return unhealthy("store write failed", err)
		}
		if _, err := store.Retrieve(ctx, id); err != nil {
			return unhealthy("store read failed", err)
		}
		if _, err := store.Delete(ctx, id); err != nil {
			return unhealthy("store delete failed", err)
		}
		return healthy("write-read-delete round trip ok", nil)
	})
}

// OutboxProbe checks outbox store reachability and maps the pending
// backlog through t.
func OutboxProbe(store storage.OutboxStore, t Thresholds) Probe {
	return NewProbe("outbox", func(ctx context.Context) Result {
		if _, err := store.GetPending(ctx, 1); err != nil {
			return unhealthy("outbox store unreachable", err)
		}
		count, err := store.GetPendingCount(ctx)
		if err != nil {
			return unhealthy("outbox pending count failed", err)
		}
		return Result{
			Status:      t.Classify(count),
			Description: fmt.Sprintf("%d pending entries", count),
			Data:        map[string]any{"pending_count": count},
		}
	})
}

// InboxProbe checks inbox store reachability and maps the unprocessed
// backlog through t.
func InboxProbe(store storage.InboxStore, t Thresholds) Probe {
	return NewProbe("inbox", func(ctx context.Context) Result {
		count, err := store.GetUnprocessedCount(ctx)
		if err != nil {
			return unhealthy("inbox store unreachable", err)
		}
		return Result{
			Status:      t.Classify(count),
			Description: fmt.Sprintf("%d unprocessed entries", count),
			Data:        map[string]any{"unprocessed_count": count},
		}
	})
}

// QueueProbe checks queue store reachability via the depth of a fixed
// queue and maps that depth through t.
func QueueProbe(store storage.QueueStore, queueName string, t Thresholds) Probe {
	return NewProbe("queue."+queueName, func(ctx context.Context) Result {
		depth, err := store.GetQueueDepth(ctx, queueName)
		if err != nil {
			return unhealthy("queue store unreachable", err)
		}
		return Result{
			Status:      t.Classify(depth),
			Description: fmt.Sprintf("depth %d", depth),
			Data:        map[string]any{"queue_depth": depth},
		}
	})
}

// TransportProbe checks transport liveness through ping, typically a
// connection/channel check on the concrete publisher.
func TransportProbe(name string, ping func(ctx context.Context) error) Probe {
	return NewProbe("transport."+name, func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return unhealthy("transport unreachable", err)
		}
		return healthy("transport reachable", nil)
	})
}

// ProcessorProbe reads a processor's stats snapshot and maps its
// backlog through t, carrying the processed/failed counters and last
// error in the data map.
func ProcessorProbe(name string, stats func() processor.Snapshot, t Thresholds) Probe {
	return NewProbe("processor."+name, func(ctx context.Context) Result {
		snap := stats()
		data := map[string]any{
			"processed": snap.Processed,
			"failed":    snap.Failed,
			"backlog":   snap.Backlog,
		}
		if snap.LastError != "" {
			data["last_error"] = snap.LastError
		}
		return Result{
			Status:      t.Classify(snap.Backlog),
			Description: fmt.Sprintf("backlog %d", snap.Backlog),
			Data:        data,
		}
	})
}
