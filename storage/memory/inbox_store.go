package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// InboxStore is the in-memory storage.InboxStore. A map insert under a
// mutex plays the dedup-fence role a unique index plays in a durable
// driver.
type InboxStore struct {
	mu   sync.Mutex
	rows map[string]storage.InboxEntry
}

// NewInboxStore builds an empty in-memory inbox store.
func NewInboxStore() *InboxStore {
	return &InboxStore{rows: make(map[string]storage.InboxEntry)}
}

// Snapshot returns an opaque copy of the store's state for uow.UnitOfWork
// rollback support. Not part of the storage.InboxStore contract.
func (s *InboxStore) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]storage.InboxEntry, len(s.rows))
	for k, v := range s.rows {
		cp[k] = v
	}
	return cp
}

// Restore replaces the store's state with a value previously returned
// by Snapshot.
func (s *InboxStore) Restore(snap any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = snap.(map[string]storage.InboxEntry)
}

func withinWindow(receivedAt time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return time.Since(receivedAt) <= window
}

func (s *InboxStore) Add(ctx context.Context, msg message.Message, opts storage.InboxOptions) (*storage.InboxEntry, error) {
	if err := herrors.FromContext("inbox.Add", ctx); err != nil {
		return nil, err
	}
	if msg.ID == uuid.Nil {
		return nil, herrors.Validation("inbox.Add", "message id is required")
	}
	id := msg.ID.String()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[id]; ok && withinWindow(existing.ReceivedAt, opts.DedupWindow) {
		if opts.RequireIdempotency {
			return nil, nil // add-first duplicate signal, not an error
		}
		dup := existing
		dup.Status = storage.InboxDuplicate
		return &dup, nil
	}

	entry := storage.InboxEntry{
		ID:         id,
		Message:    msg,
		Options:    opts,
		Status:     storage.InboxPending,
		ReceivedAt: time.Now().UTC(),
	}
	s.rows[id] = entry
	return &entry, nil
}

func (s *InboxStore) IsDuplicate(ctx context.Context, messageID string, window time.Duration) (bool, error) {
	if err := herrors.FromContext("inbox.IsDuplicate", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[messageID]
	if !ok {
		return false, nil
	}
	return withinWindow(existing.ReceivedAt, window), nil
}

func (s *InboxStore) Get(ctx context.Context, messageID string) (*storage.InboxEntry, error) {
	if err := herrors.FromContext("inbox.Get", ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[messageID]
	if !ok {
		return nil, herrors.NotFound("inbox.Get", messageID)
	}
	return &entry, nil
}

// TryClaim atomically transitions Pending -> Processing, mirroring
// OutboxStore.TryClaim so the inbox processor can claim entries across
// cooperating workers without an in-process lock leaking between them.
func (s *InboxStore) TryClaim(ctx context.Context, messageID string) (bool, error) {
	if err := herrors.FromContext("inbox.TryClaim", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[messageID]
	if !ok {
		return false, herrors.NotFound("inbox.TryClaim", messageID)
	}
	if entry.Status != storage.InboxPending {
		return false, nil
	}
	entry.Status = storage.InboxProcessing
	s.rows[messageID] = entry
	return true, nil
}

// Release returns a claimed entry to Pending so a later drain can
// retry it.
func (s *InboxStore) Release(ctx context.Context, messageID string) (bool, error) {
	if err := herrors.FromContext("inbox.Release", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[messageID]
	if !ok {
		return false, herrors.NotFound("inbox.Release", messageID)
	}
	switch entry.Status {
	case storage.InboxPending:
		return true, nil
	case storage.InboxProcessing:
		entry.Status = storage.InboxPending
		s.rows[messageID] = entry
		return true, nil
	default:
		return false, nil
	}
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	if err := herrors.FromContext("inbox.MarkProcessed", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[messageID]
	if !ok {
		return false, herrors.NotFound("inbox.MarkProcessed", messageID)
	}
	if entry.Status == storage.InboxProcessed {
		return true, nil // idempotent terminal
	}
	if entry.Status == storage.InboxFailed || entry.Status == storage.InboxDuplicate {
		return false, herrors.Fatal("inbox.MarkProcessed", messageID, "entry is terminal", nil)
	}
	now := time.Now().UTC()
	entry.Status = storage.InboxProcessed
	entry.ProcessedAt = &now
	s.rows[messageID] = entry
	return true, nil
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, errMsg string) (bool, error) {
	if err := herrors.FromContext("inbox.MarkFailed", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rows[messageID]
	if !ok {
		return false, herrors.NotFound("inbox.MarkFailed", messageID)
	}
	if entry.Status == storage.InboxFailed {
		return true, nil // idempotent terminal
	}
	if entry.Status == storage.InboxProcessed || entry.Status == storage.InboxDuplicate {
		return false, herrors.Fatal("inbox.MarkFailed", messageID, "entry is terminal", nil)
	}
	entry.Status = storage.InboxFailed
	entry.Error = errMsg
	s.rows[messageID] = entry
	return true, nil
}

func (s *InboxStore) GetUnprocessed(ctx context.Context, limit int) ([]storage.InboxEntry, error) {
	if err := herrors.FromContext("inbox.GetUnprocessed", ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, herrors.Validation("inbox.GetUnprocessed", "limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.InboxEntry, 0, limit)
	for _, entry := range s.rows {
		if entry.Status == storage.InboxPending {
			out = append(out, entry)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InboxStore) GetUnprocessedCount(ctx context.Context) (int, error) {
	if err := herrors.FromContext("inbox.GetUnprocessedCount", ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.rows {
		if entry.Status == storage.InboxPending {
			n++
		}
	}
	return n, nil
}

func (s *InboxStore) CleanupOldEntries(ctx context.Context, olderThan time.Time) (int, error) {
	if err := herrors.FromContext("inbox.CleanupOldEntries", ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, entry := range s.rows {
		if entry.ReceivedAt.Before(olderThan) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
