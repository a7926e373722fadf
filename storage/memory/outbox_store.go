package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// OutboxStore is the in-memory storage.OutboxStore. The CAS claim
// (TryClaim) plays the role row locking plays in a durable driver,
// rendered with a mutex instead of row locks.
type OutboxStore struct {
	mu   sync.Mutex
	rows map[string]storage.OutboxEntry
}

// NewOutboxStore builds an empty in-memory outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{rows: make(map[string]storage.OutboxEntry)}
}

// Snapshot returns an opaque copy of the store's state for uow.UnitOfWork
// rollback support. Not part of the storage.OutboxStore contract.
func (s *OutboxStore) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]storage.OutboxEntry, len(s.rows))
	for k, v := range s.rows {
		cp[k] = v
	}
	return cp
}

// Restore replaces the store's state with a value previously returned
// by Snapshot.
func (s *OutboxStore) Restore(snap any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = snap.(map[string]storage.OutboxEntry)
}

func (s *OutboxStore) Add(ctx context.Context, msg message.Message, opts storage.OutboxOptions) (string, error) {
	if err := herrors.FromContext("outbox.Add", ctx); err != nil {
		return "", err
	}
	if opts.Destination == "" {
		return "", herrors.Validation("outbox.Add", "options.Destination is required")
	}
	if opts.MaxRetries < 0 {
		return "", herrors.Validation("outbox.Add", "options.MaxRetries must be >= 0")
	}
	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idStr := id.String()
	if _, exists := s.rows[idStr]; exists {
		return "", herrors.Conflict("outbox.Add", "entry already exists for id "+idStr)
	}
	s.rows[idStr] = storage.OutboxEntry{
		ID:        idStr,
		Message:   msg,
		Options:   opts,
		Status:    storage.OutboxPending,
		CreatedAt: time.Now().UTC(),
	}
	return idStr, nil
}

func (s *OutboxStore) Get(ctx context.Context, id string) (storage.OutboxEntry, error) {
	if err := herrors.FromContext("outbox.Get", ctx); err != nil {
		return storage.OutboxEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return storage.OutboxEntry{}, herrors.NotFound("outbox.Get", id)
	}
	return row, nil
}

// TryClaim is the single compare-and-set transition point: Pending ->
// Processing. Any other status (including an already-claimed entry)
// returns (false, nil) — a conflict here is expected concurrent
// behavior, not an error.
func (s *OutboxStore) TryClaim(ctx context.Context, id string) (bool, error) {
	if err := herrors.FromContext("outbox.TryClaim", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, herrors.NotFound("outbox.TryClaim", id)
	}
	if row.Status != storage.OutboxPending {
		return false, nil
	}
	row.Status = storage.OutboxProcessing
	s.rows[id] = row
	return true, nil
}

func (s *OutboxStore) GetPending(ctx context.Context, limit int) ([]storage.OutboxEntry, error) {
	if err := herrors.FromContext("outbox.GetPending", ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, herrors.Validation("outbox.GetPending", "limit must be > 0")
	}
	now := time.Now().UTC()
	s.mu.Lock()
	out := make([]storage.OutboxEntry, 0, limit)
	for _, row := range s.rows {
		if row.Status != storage.OutboxPending {
			continue
		}
		if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
			continue // not yet visible
		}
		out = append(out, row)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Options.Priority != out[j].Options.Priority {
			return out[i].Options.Priority > out[j].Options.Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) (bool, error) {
	if err := herrors.FromContext("outbox.MarkProcessed", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, herrors.NotFound("outbox.MarkProcessed", id)
	}
	if row.Status == storage.OutboxProcessed {
		return true, nil // idempotent terminal
	}
	if row.Status == storage.OutboxFailed {
		return false, herrors.Fatal("outbox.MarkProcessed", id, "entry is terminally Failed", nil)
	}
	now := time.Now().UTC()
	row.Status = storage.OutboxProcessed
	row.ProcessedAt = &now
	s.rows[id] = row
	return true, nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	if err := herrors.FromContext("outbox.MarkFailed", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, herrors.NotFound("outbox.MarkFailed", id)
	}
	if row.Status == storage.OutboxFailed {
		return true, nil // idempotent terminal
	}
	if row.Status == storage.OutboxProcessed {
		return false, herrors.Fatal("outbox.MarkFailed", id, "entry is terminally Processed", nil)
	}
	row.Status = storage.OutboxFailed
	row.LastError = lastError
	s.rows[id] = row
	return true, nil
}

func (s *OutboxStore) UpdateRetryCount(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time) error {
	if err := herrors.FromContext("outbox.UpdateRetryCount", ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return herrors.NotFound("outbox.UpdateRetryCount", id)
	}
	if row.Status == storage.OutboxProcessed || row.Status == storage.OutboxFailed {
		return herrors.Fatal("outbox.UpdateRetryCount", id, "entry is terminal", nil)
	}
	row.RetryCount = retryCount
	row.NextRetryAt = nextRetryAt
	row.Status = storage.OutboxPending // back to Pending so it becomes visible again
	s.rows[id] = row
	return nil
}

func (s *OutboxStore) GetPendingCount(ctx context.Context) (int, error) {
	if err := herrors.FromContext("outbox.GetPendingCount", ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.Status == storage.OutboxPending {
			n++
		}
	}
	return n, nil
}

func (s *OutboxStore) GetFailed(ctx context.Context, limit int) ([]storage.OutboxEntry, error) {
	if err := herrors.FromContext("outbox.GetFailed", ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, herrors.Validation("outbox.GetFailed", "limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.OutboxEntry, 0, limit)
	for _, row := range s.rows {
		if row.Status == storage.OutboxFailed {
			out = append(out, row)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *OutboxStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := herrors.FromContext("outbox.PurgeOlderThan", ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		terminal := row.Status == storage.OutboxProcessed || row.Status == storage.OutboxFailed
		if terminal && row.CreatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
