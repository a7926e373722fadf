// Package uow implements the Unit of Work and Transaction Executor: a
// scoped atomic bracket over the message, outbox, inbox and queue
// stores. The in-memory reference implementation renders the "shared
// connection + transaction" contract as a snapshot taken at
// BeginTransaction and restored on Rollback or on release without a
// commit, giving the same all-or-nothing guarantee a real driver gets
// from its database's transaction log.
package uow

import (
	"context"
	"sync"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/storage/memory"
)

// IsolationLevel is the transaction isolation level requested at
// BeginTransaction.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
	Serializable
)

// UnitOfWork scopes a connection, a transaction, and handles to the
// four stores such that operations invoked through those handles
// participate in the transaction.
type UnitOfWork interface {
	BeginTransaction(ctx context.Context, level IsolationLevel) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(name string) error
	RollbackToSavepoint(name string) error
	// Release rolls back any still-active transaction; safe to call
	// multiple times and after Commit/Rollback, so a deferred Release
	// cannot leak an open transaction out of the scope.
	Release(ctx context.Context)

	Messages() storage.MessageStore
	Outbox() storage.OutboxStore
	Inbox() storage.InboxStore
	Queues() storage.QueueStore
}

type snapshot struct {
	messages any
	outbox   any
	inbox    any
	queues   any
}

// MemoryUnitOfWork is the in-memory reference UnitOfWork. It wraps the
// four in-memory stores and implements the transactional bracket with
// snapshot/restore rather than a real database transaction log.
type MemoryUnitOfWork struct {
	mu sync.Mutex

	messages *memory.MessageStore
	outbox   *memory.OutboxStore
	inbox    *memory.InboxStore
	queues   *memory.QueueStore

	active     bool
	isolation  IsolationLevel
	savepoints map[string]snapshot
}

// NewMemoryUnitOfWork builds a MemoryUnitOfWork scoped to the given
// in-memory stores.
func NewMemoryUnitOfWork(messages *memory.MessageStore, outbox *memory.OutboxStore, inbox *memory.InboxStore, queues *memory.QueueStore) *MemoryUnitOfWork {
	return &MemoryUnitOfWork{
		messages:   messages,
		outbox:     outbox,
		inbox:      inbox,
		queues:     queues,
		savepoints: make(map[string]snapshot),
	}
}

func (u *MemoryUnitOfWork) snapshotAll() snapshot {
	return snapshot{
		messages: u.messages.Snapshot(),
		outbox:   u.outbox.Snapshot(),
		inbox:    u.inbox.Snapshot(),
		queues:   u.queues.Snapshot(),
	}
}

func (u *MemoryUnitOfWork) restore(s snapshot) {
	u.messages.Restore(s.messages)
	u.outbox.Restore(s.outbox)
	u.inbox.Restore(s.inbox)
	u.queues.Restore(s.queues)
}

// BeginTransaction is an idempotent no-op while already active.
func (u *MemoryUnitOfWork) BeginTransaction(ctx context.Context, level IsolationLevel) error {
	if err := herrors.FromContext("uow.BeginTransaction", ctx); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active {
		return nil
	}
	u.active = true
	u.isolation = level
	u.savepoints["__begin__"] = u.snapshotAll()
	return nil
}

func (u *MemoryUnitOfWork) Commit(ctx context.Context) error {
	if err := herrors.FromContext("uow.Commit", ctx); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return herrors.Fatal("uow.Commit", "", "no active transaction", nil)
	}
	u.active = false
	u.savepoints = make(map[string]snapshot)
	return nil
}

func (u *MemoryUnitOfWork) Rollback(ctx context.Context) error {
	if err := herrors.FromContext("uow.Rollback", ctx); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return herrors.Fatal("uow.Rollback", "", "no active transaction", nil)
	}
	if begin, ok := u.savepoints["__begin__"]; ok {
		u.restore(begin)
	}
	u.active = false
	u.savepoints = make(map[string]snapshot)
	return nil
}

// Savepoint names are opaque; reusing a name redefines it.
func (u *MemoryUnitOfWork) Savepoint(name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return herrors.Fatal("uow.Savepoint", name, "no active transaction", nil)
	}
	u.savepoints[name] = u.snapshotAll()
	return nil
}

func (u *MemoryUnitOfWork) RollbackToSavepoint(name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return herrors.Fatal("uow.RollbackToSavepoint", name, "no active transaction", nil)
	}
	s, ok := u.savepoints[name]
	if !ok {
		return herrors.NotFound("uow.RollbackToSavepoint", name)
	}
	u.restore(s)
	return nil
}

// Release rolls back any still-active transaction.
func (u *MemoryUnitOfWork) Release(ctx context.Context) {
	u.mu.Lock()
	active := u.active
	u.mu.Unlock()
	if active {
		_ = u.Rollback(ctx)
	}
}

func (u *MemoryUnitOfWork) Messages() storage.MessageStore { return u.messages }
func (u *MemoryUnitOfWork) Outbox() storage.OutboxStore    { return u.outbox }
func (u *MemoryUnitOfWork) Inbox() storage.InboxStore      { return u.inbox }
func (u *MemoryUnitOfWork) Queues() storage.QueueStore     { return u.queues }
