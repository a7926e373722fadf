// Package storage declares the abstract, implementation-agnostic store
// contracts: the message store, the outbox store, the inbox store and
// the queue store. Every operation takes a context.Context as its
// cancellation point, and every listing operation is bounded by an
// explicit limit; unbounded listings are forbidden.
//
// storage/memory ships the in-memory reference driver and
// contrib/sqlstore a PostgreSQL driver exercising the same contracts.
package storage

import (
	"context"
	"time"

	"github.com/koalafacts/heromessaging/message"
)

// MessageFilter scopes a Query/Count against the message store. A zero
// value matches everything, bounded by Limit (callers MUST set Limit;
// Query returns herrors.Validation("message.Query", ...) for Limit <= 0).
type MessageFilter struct {
	Collection string           // restrict to a named collection, "" = any
	From, To   time.Time        // creation time range, zero = unbounded
	Metadata   message.Metadata // equality predicates, ANDed
	Contains   string           // full-text substring match over the encoded payload
	OrderBy    string           // "created_at" (default) or "id"
	Descending bool
	Offset     int
	Limit      int
}

// MessageCursor is a lazy finite sequence of stored messages. Callers
// MUST call Close once done, even after an error.
type MessageCursor interface {
	Next(ctx context.Context) bool
	Current() StoredMessage
	Err() error
	Close() error
}

// StoredMessage pairs a Message with its store-assigned identifier and
// collection.
type StoredMessage struct {
	ID         string
	Collection string
	Message    message.Message
}

// MessageStore is the message store contract.
type MessageStore interface {
	Store(ctx context.Context, collection string, msg message.Message) (string, error)
	Retrieve(ctx context.Context, id string) (StoredMessage, error)
	Query(ctx context.Context, filter MessageFilter) (MessageCursor, error)
	Update(ctx context.Context, id string, msg message.Message) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, filter MessageFilter) (int, error)
	Clear(ctx context.Context) error
}

// OutboxStatus is an OutboxEntry's lifecycle state.
type OutboxStatus int

const (
	OutboxPending OutboxStatus = iota
	OutboxProcessing
	OutboxProcessed
	OutboxFailed
)

func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxProcessing:
		return "processing"
	case OutboxProcessed:
		return "processed"
	case OutboxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BackoffPolicy computes the delay before the (retry+1)-th redelivery
// attempt. Implementations MUST be pure functions of retry.
type BackoffPolicy interface {
	Next(retry int) time.Duration
}

// OutboxOptions are the per-entry publishing options.
type OutboxOptions struct {
	Destination string
	Priority    int
	MaxRetries  int
	Backoff     BackoffPolicy
}

// OutboxEntry is a durable send-buffer row.
type OutboxEntry struct {
	ID          string
	Message     message.Message
	Options     OutboxOptions
	Status      OutboxStatus
	RetryCount  int
	CreatedAt   time.Time
	ProcessedAt *time.Time
	NextRetryAt *time.Time
	LastError   string
}

// OutboxStore is the outbox store contract. Every transition is
// single-writer with respect to a given id: a driver MUST reject
// conflicting transitions by way of TryClaim's compare-and-set.
type OutboxStore interface {
	Add(ctx context.Context, msg message.Message, opts OutboxOptions) (string, error)
	// TryClaim atomically transitions id from Pending to Processing. It
	// returns false, nil when another worker already claimed it or the
	// entry is not Pending — never an error for that case.
	TryClaim(ctx context.Context, id string) (bool, error)
	GetPending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkProcessed(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string, lastError string) (bool, error)
	UpdateRetryCount(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time) error
	GetPendingCount(ctx context.Context) (int, error)
	GetFailed(ctx context.Context, limit int) ([]OutboxEntry, error)
	Get(ctx context.Context, id string) (OutboxEntry, error)
	// PurgeOlderThan deletes terminal (Processed/Failed) entries created
	// before cutoff, for the retention maintenance task.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// InboxStatus is an InboxEntry's lifecycle state.
type InboxStatus int

const (
	InboxPending InboxStatus = iota
	InboxProcessing
	InboxProcessed
	InboxFailed
	InboxDuplicate
)

func (s InboxStatus) String() string {
	switch s {
	case InboxPending:
		return "pending"
	case InboxProcessing:
		return "processing"
	case InboxProcessed:
		return "processed"
	case InboxFailed:
		return "failed"
	case InboxDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// InboxOptions are the per-entry receive options.
type InboxOptions struct {
	Source             string
	RequireIdempotency bool
	DedupWindow        time.Duration
}

// InboxEntry is a durable dedup-ledger row. ID MUST equal the carried
// message's identifier.
type InboxEntry struct {
	ID          string
	Message     message.Message
	Options     InboxOptions
	Status      InboxStatus
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Error       string
}

// InboxStore is the inbox store contract.
type InboxStore interface {
	// Add inserts a Pending entry. When opts.RequireIdempotency is true
	// and id is already present within opts.DedupWindow, Add returns
	// (nil, nil): add-first mode signals the duplicate by a nil entry
	// rather than an error.
	Add(ctx context.Context, msg message.Message, opts InboxOptions) (*InboxEntry, error)
	IsDuplicate(ctx context.Context, messageID string, window time.Duration) (bool, error)
	Get(ctx context.Context, messageID string) (*InboxEntry, error)
	// TryClaim atomically transitions messageID from Pending to
	// Processing so cooperating drain instances never double-dispatch
	// the same entry. It returns false, nil when another worker already
	// claimed it or the entry is not Pending.
	TryClaim(ctx context.Context, messageID string) (bool, error)
	// Release is the inverse of TryClaim: Processing back to Pending,
	// so a transiently failed entry becomes eligible for a later drain.
	// Releasing an entry that is already Pending returns true; terminal
	// entries return false, nil.
	Release(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) (bool, error)
	MarkFailed(ctx context.Context, messageID string, errMsg string) (bool, error)
	GetUnprocessed(ctx context.Context, limit int) ([]InboxEntry, error)
	GetUnprocessedCount(ctx context.Context) (int, error)
	CleanupOldEntries(ctx context.Context, olderThan time.Time) (int, error)
}

// EnqueueOptions are the per-entry enqueue options.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
	TTL      time.Duration
}

// QueueOptions configures a named queue.
type QueueOptions struct {
	MaxSize           int // 0 = unbounded
	MessageTTL        time.Duration
	MaxDequeueCount   int
	VisibilityTimeout time.Duration
	PriorityEnabled   bool
}

// QueueEntry is a queued message and its delivery bookkeeping.
type QueueEntry struct {
	ID           string
	QueueName    string
	Message      message.Message
	Options      EnqueueOptions
	EnqueuedAt   time.Time
	VisibleAt    *time.Time
	DequeueCount int
}

// QueueStore is the queue store contract. Dequeue selects by
// (priority DESC, enqueued-at ASC) among entries whose VisibleAt <=
// now.
type QueueStore interface {
	Enqueue(ctx context.Context, queueName string, msg message.Message, opts EnqueueOptions) (string, error)
	Dequeue(ctx context.Context, queueName string) (*QueueEntry, error)
	Peek(ctx context.Context, queueName string, count int) ([]QueueEntry, error)
	Acknowledge(ctx context.Context, queueName, entryID string) (bool, error)
	Reject(ctx context.Context, queueName, entryID string, requeue bool) error
	GetQueueDepth(ctx context.Context, queueName string) (int, error)
	CreateQueue(ctx context.Context, name string, opts QueueOptions) error
	DeleteQueue(ctx context.Context, name string) error
	GetQueues(ctx context.Context) ([]string, error)
	QueueExists(ctx context.Context, name string) (bool, error)
	GetQueueOptions(ctx context.Context, name string) (QueueOptions, error)
}
