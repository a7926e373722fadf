// Package queue implements the queue engine: named, independently
// configurable mailboxes with visibility-timeout, priority ordering
// and dead-letter routing, backed by a storage.QueueStore.
package queue

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// DLQSuffix forms a dead-letter sibling queue name.
const DLQSuffix = ".dlq"

// DLQName returns the dead-letter sibling name for queueName.
func DLQName(queueName string) string { return queueName + DLQSuffix }

// Engine is the queue engine.
type Engine struct {
	Store  storage.QueueStore
	Logger zerolog.Logger
}

// NewEngine builds an Engine over store.
func NewEngine(store storage.QueueStore, logger zerolog.Logger) *Engine {
	return &Engine{Store: store, Logger: logger}
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r > '~' {
			return false // printable ASCII without whitespace
		}
	}
	return true
}

// EnsureQueue creates name with opts if it does not already exist;
// queues may also be created lazily on first Enqueue.
func (e *Engine) EnsureQueue(ctx context.Context, name string, opts storage.QueueOptions) error {
	if !validName(name) {
		return herrors.Validation("queue.EnsureQueue", "queue name must be printable ASCII without whitespace")
	}
	exists, err := e.Store.QueueExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return e.Store.CreateQueue(ctx, name, opts)
}

// Enqueue adds msg to queueName, creating the queue with default
// options if it does not exist.
func (e *Engine) Enqueue(ctx context.Context, queueName string, msg message.Message, opts storage.EnqueueOptions) (string, error) {
	if !validName(queueName) {
		return "", herrors.Validation("queue.Enqueue", "queue name must be printable ASCII without whitespace")
	}
	if strings.HasSuffix(queueName, DLQSuffix) {
		return "", herrors.Validation("queue.Enqueue", "cannot enqueue directly onto a dead-letter sibling")
	}
	id, err := e.Store.Enqueue(ctx, queueName, msg, opts)
	if err != nil {
		return "", err
	}
	e.Logger.Debug().Str("queue", queueName).Str("entry_id", id).Msg("enqueued")
	return id, nil
}

// Dequeue claims the next eligible entry from queueName in (priority
// DESC, enqueued-at ASC) order. Entries that exceed max-dequeue-count
// are routed to the DLQ transparently by the store; Dequeue returns
// the next eligible entry instead.
func (e *Engine) Dequeue(ctx context.Context, queueName string) (*storage.QueueEntry, error) {
	return e.Store.Dequeue(ctx, queueName)
}

// Acknowledge deletes entryID from queueName.
func (e *Engine) Acknowledge(ctx context.Context, queueName, entryID string) (bool, error) {
	return e.Store.Acknowledge(ctx, queueName, entryID)
}

// Reject clears visible-at (requeue=true) or drops the entry
// (requeue=false).
func (e *Engine) Reject(ctx context.Context, queueName, entryID string, requeue bool) error {
	return e.Store.Reject(ctx, queueName, entryID, requeue)
}

// Depth returns the current queue depth.
func (e *Engine) Depth(ctx context.Context, queueName string) (int, error) {
	return e.Store.GetQueueDepth(ctx, queueName)
}

// Peek previews up to count visible entries without dequeuing them.
func (e *Engine) Peek(ctx context.Context, queueName string, count int) ([]storage.QueueEntry, error) {
	return e.Store.Peek(ctx, queueName, count)
}
