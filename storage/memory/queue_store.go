package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// dlqSuffix forms a dead-letter sibling queue name.
const dlqSuffix = ".dlq"

type namedQueue struct {
	options storage.QueueOptions
	entries map[string]*storage.QueueEntry
}

// QueueStore is the in-memory storage.QueueStore: named mailboxes with
// visibility-timeout, priority ordering and DLQ routing. Queues are
// created lazily on first Enqueue.
type QueueStore struct {
	mu     sync.Mutex
	queues map[string]*namedQueue
}

// NewQueueStore builds an empty in-memory queue store.
func NewQueueStore() *QueueStore {
	return &QueueStore{queues: make(map[string]*namedQueue)}
}

// Snapshot returns a deep copy of the store's state for uow.UnitOfWork
// rollback support. Not part of the storage.QueueStore contract.
func (s *QueueStore) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]*namedQueue, len(s.queues))
	for name, q := range s.queues {
		entries := make(map[string]*storage.QueueEntry, len(q.entries))
		for id, e := range q.entries {
			copyOfE := *e
			entries[id] = &copyOfE
		}
		cp[name] = &namedQueue{options: q.options, entries: entries}
	}
	return cp
}

// Restore replaces the store's state with a value previously returned
// by Snapshot.
func (s *QueueStore) Restore(snap any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = snap.(map[string]*namedQueue)
}

func defaultQueueOptions() storage.QueueOptions {
	return storage.QueueOptions{
		MaxDequeueCount:   5,
		VisibilityTimeout: 30 * time.Second,
		PriorityEnabled:   true,
	}
}

func (s *QueueStore) ensure(name string) *namedQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &namedQueue{options: defaultQueueOptions(), entries: make(map[string]*storage.QueueEntry)}
		s.queues[name] = q
	}
	return q
}

func (s *QueueStore) CreateQueue(ctx context.Context, name string, opts storage.QueueOptions) error {
	if err := herrors.FromContext("queue.CreateQueue", ctx); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return herrors.Validation("queue.CreateQueue", "queue name must be non-empty printable ASCII without whitespace")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		s.queues[name] = &namedQueue{options: opts, entries: make(map[string]*storage.QueueEntry)}
		return nil
	}
	q.options = opts
	return nil
}

func (s *QueueStore) DeleteQueue(ctx context.Context, name string) error {
	if err := herrors.FromContext("queue.DeleteQueue", ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, name)
	return nil
}

func (s *QueueStore) GetQueues(ctx context.Context) ([]string, error) {
	if err := herrors.FromContext("queue.GetQueues", ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queues))
	for name := range s.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *QueueStore) QueueExists(ctx context.Context, name string) (bool, error) {
	if err := herrors.FromContext("queue.QueueExists", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok, nil
}

func (s *QueueStore) GetQueueOptions(ctx context.Context, name string) (storage.QueueOptions, error) {
	if err := herrors.FromContext("queue.GetQueueOptions", ctx); err != nil {
		return storage.QueueOptions{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return storage.QueueOptions{}, herrors.NotFound("queue.GetQueueOptions", name)
	}
	return q.options, nil
}

// expired reports whether entry has outlived its TTL: an entry whose
// enqueued-at + TTL < now is silently discarded on next observation.
func expired(e *storage.QueueEntry) bool {
	if e.Options.TTL <= 0 {
		return false
	}
	return time.Now().UTC().After(e.EnqueuedAt.Add(e.Options.TTL))
}

func visible(e *storage.QueueEntry, now time.Time) bool {
	return e.VisibleAt == nil || !e.VisibleAt.After(now)
}

func (s *QueueStore) Enqueue(ctx context.Context, queueName string, msg message.Message, opts storage.EnqueueOptions) (string, error) {
	if err := herrors.FromContext("queue.Enqueue", ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.ensure(queueName)
	if q.options.MaxSize > 0 && len(q.entries) >= q.options.MaxSize {
		return "", herrors.Conflict("queue.Enqueue", "queue "+queueName+" is full")
	}

	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	entry := &storage.QueueEntry{
		ID:         id.String(),
		QueueName:  queueName,
		Message:    msg,
		Options:    opts,
		EnqueuedAt: now,
	}
	if opts.TTL > 0 {
		entry.Options.TTL = opts.TTL
	} else if q.options.MessageTTL > 0 {
		entry.Options.TTL = q.options.MessageTTL
	}
	if opts.Delay > 0 {
		visibleAt := now.Add(opts.Delay)
		entry.VisibleAt = &visibleAt
	}
	q.entries[entry.ID] = entry
	return entry.ID, nil
}

// dlqName derives the dead-letter sibling name for queueName.
func dlqName(queueName string) string { return queueName + dlqSuffix }

func (s *QueueStore) Dequeue(ctx context.Context, queueName string) (*storage.QueueEntry, error) {
	if err := herrors.FromContext("queue.Dequeue", ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return nil, herrors.NotFound("queue.Dequeue", queueName)
	}

	// Loop: an entry that exceeds max-dequeue-count on this very return
	// is routed to its DLQ rather than returned, so the caller observes
	// the next eligible entry instead of nothing.
	for {
		now := time.Now().UTC()
		var candidates []*storage.QueueEntry
		for id, entry := range q.entries {
			if expired(entry) {
				delete(q.entries, id)
				continue
			}
			if visible(entry, now) {
				candidates = append(candidates, entry)
			}
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Options.Priority != candidates[j].Options.Priority {
				return candidates[i].Options.Priority > candidates[j].Options.Priority
			}
			return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
		})
		entry := candidates[0]
		entry.DequeueCount++

		if q.options.MaxDequeueCount > 0 && entry.DequeueCount > q.options.MaxDequeueCount {
			// Exceeding max-dequeue-count on return routes to the DLQ.
			delete(q.entries, entry.ID)
			dead := s.ensure(dlqName(queueName))
			deadCopy := *entry
			deadCopy.QueueName = dlqName(queueName)
			deadCopy.VisibleAt = nil
			dead.entries[deadCopy.ID] = &deadCopy
			continue
		}

		visibleAt := now.Add(q.options.VisibilityTimeout)
		entry.VisibleAt = &visibleAt
		out := *entry
		return &out, nil
	}
}

func (s *QueueStore) Peek(ctx context.Context, queueName string, count int) ([]storage.QueueEntry, error) {
	if err := herrors.FromContext("queue.Peek", ctx); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, herrors.Validation("queue.Peek", "count must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return nil, herrors.NotFound("queue.Peek", queueName)
	}
	now := time.Now().UTC()
	var out []storage.QueueEntry
	for _, entry := range q.entries {
		if expired(entry) || !visible(entry, now) {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Options.Priority != out[j].Options.Priority {
			return out[i].Options.Priority > out[j].Options.Priority
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (s *QueueStore) Acknowledge(ctx context.Context, queueName, entryID string) (bool, error) {
	if err := herrors.FromContext("queue.Acknowledge", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return false, herrors.NotFound("queue.Acknowledge", queueName)
	}
	if _, ok := q.entries[entryID]; !ok {
		return false, nil
	}
	delete(q.entries, entryID)
	return true, nil
}

func (s *QueueStore) Reject(ctx context.Context, queueName, entryID string, requeue bool) error {
	if err := herrors.FromContext("queue.Reject", ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return herrors.NotFound("queue.Reject", queueName)
	}
	entry, ok := q.entries[entryID]
	if !ok {
		return herrors.NotFound("queue.Reject", entryID)
	}
	if requeue {
		entry.VisibleAt = nil // immediately visible, priority unchanged
		return nil
	}
	// requeue=false: drop, unless dequeue-count already exceeded max, in
	// which case it has already been routed to DLQ by Dequeue.
	delete(q.entries, entryID)
	return nil
}

func (s *QueueStore) GetQueueDepth(ctx context.Context, queueName string) (int, error) {
	if err := herrors.FromContext("queue.GetQueueDepth", ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueName]
	if !ok {
		return 0, herrors.NotFound("queue.GetQueueDepth", queueName)
	}
	return len(q.entries), nil
}
