// Package memory is the in-memory reference driver for the storage
// contracts: mutex-guarded maps implementing the same transition and
// ordering semantics any durable driver must provide.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// MessageStore is the in-memory storage.MessageStore.
type MessageStore struct {
	mu   sync.RWMutex
	rows map[string]storage.StoredMessage
}

// NewMessageStore builds an empty in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{rows: make(map[string]storage.StoredMessage)}
}

// Snapshot returns an opaque copy of the store's state for uow.UnitOfWork
// rollback support. Not part of the storage.MessageStore contract.
func (s *MessageStore) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]storage.StoredMessage, len(s.rows))
	for k, v := range s.rows {
		cp[k] = v
	}
	return cp
}

// Restore replaces the store's state with a value previously returned
// by Snapshot.
func (s *MessageStore) Restore(snap any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = snap.(map[string]storage.StoredMessage)
}

func (s *MessageStore) Store(ctx context.Context, collection string, msg message.Message) (string, error) {
	if err := herrors.FromContext("message.Store", ctx); err != nil {
		return "", err
	}
	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id.String()] = storage.StoredMessage{ID: id.String(), Collection: collection, Message: msg}
	return id.String(), nil
}

func (s *MessageStore) Retrieve(ctx context.Context, id string) (storage.StoredMessage, error) {
	if err := herrors.FromContext("message.Retrieve", ctx); err != nil {
		return storage.StoredMessage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return storage.StoredMessage{}, herrors.NotFound("message.Retrieve", id)
	}
	return row, nil
}

func (s *MessageStore) Update(ctx context.Context, id string, msg message.Message) (bool, error) {
	if err := herrors.FromContext("message.Update", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, herrors.NotFound("message.Update", id)
	}
	row.Message = msg
	s.rows[id] = row
	return true, nil
}

func (s *MessageStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := herrors.FromContext("message.Delete", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

func (s *MessageStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := herrors.FromContext("message.Exists", ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rows[id]
	return ok, nil
}

func (s *MessageStore) Clear(ctx context.Context) error {
	if err := herrors.FromContext("message.Clear", ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]storage.StoredMessage)
	return nil
}

func (s *MessageStore) matches(row storage.StoredMessage, f storage.MessageFilter) bool {
	if f.Collection != "" && row.Collection != f.Collection {
		return false
	}
	if !f.From.IsZero() && row.Message.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && row.Message.CreatedAt.After(f.To) {
		return false
	}
	for k, v := range f.Metadata {
		if row.Message.Metadata[k] != v {
			return false
		}
	}
	if f.Contains != "" {
		text, ok := row.Message.Payload.(string)
		if !ok {
			raw, err := json.Marshal(row.Message.Payload)
			if err != nil {
				return false
			}
			text = string(raw)
		}
		if !strings.Contains(text, f.Contains) {
			return false
		}
	}
	return true
}

func (s *MessageStore) Count(ctx context.Context, f storage.MessageFilter) (int, error) {
	if err := herrors.FromContext("message.Count", ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, row := range s.rows {
		if s.matches(row, f) {
			n++
		}
	}
	return n, nil
}

func (s *MessageStore) Query(ctx context.Context, f storage.MessageFilter) (storage.MessageCursor, error) {
	if err := herrors.FromContext("message.Query", ctx); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		return nil, herrors.Validation("message.Query", "filter.Limit must be > 0: unbounded listings are forbidden")
	}
	s.mu.RLock()
	rows := make([]storage.StoredMessage, 0, len(s.rows))
	for _, row := range s.rows {
		if s.matches(row, f) {
			rows = append(rows, row)
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		var less bool
		switch f.OrderBy {
		case "id":
			less = rows[i].ID < rows[j].ID
		default:
			less = rows[i].Message.CreatedAt.Before(rows[j].Message.CreatedAt)
		}
		if f.Descending {
			return !less
		}
		return less
	})

	if f.Offset > len(rows) {
		rows = nil
	} else {
		rows = rows[f.Offset:]
	}
	if len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return &sliceCursor{rows: rows, idx: -1}, nil
}

// sliceCursor is the in-memory MessageCursor: a pre-materialized, bounded
// slice walked one row at a time.
type sliceCursor struct {
	rows []storage.StoredMessage
	idx  int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.idx++
	return c.idx < len(c.rows)
}

func (c *sliceCursor) Current() storage.StoredMessage {
	if c.idx < 0 || c.idx >= len(c.rows) {
		return storage.StoredMessage{}
	}
	return c.rows[c.idx]
}

func (c *sliceCursor) Err() error   { return nil }
func (c *sliceCursor) Close() error { return nil }
