package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/storage/memory"
)

func newUoW() *MemoryUnitOfWork {
	return NewMemoryUnitOfWork(
		memory.NewMessageStore(),
		memory.NewOutboxStore(),
		memory.NewInboxStore(),
		memory.NewQueueStore(),
	)
}

func TestUoWRollbackSymmetry(t *testing.T) {
	ctx := context.Background()
	u := newUoW()
	require.NoError(t, u.BeginTransaction(ctx, ReadCommitted))

	m1 := message.NewEvent("t", "m1")
	_, err := u.Outbox().Add(ctx, m1, storage.OutboxOptions{Destination: "d", MaxRetries: 1})
	require.NoError(t, err)

	m2 := message.NewEvent("t", "m2")
	_, err = u.Inbox().Add(ctx, m2, storage.InboxOptions{})
	require.NoError(t, err)

	require.NoError(t, u.Rollback(ctx))

	count, err := u.Outbox().GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, err = u.Inbox().Get(ctx, m2.ID.String())
	require.Error(t, err)
}

func TestUoWCommitPersists(t *testing.T) {
	ctx := context.Background()
	u := newUoW()
	require.NoError(t, u.BeginTransaction(ctx, ReadCommitted))

	msg := message.NewEvent("t", "payload")
	id, err := u.Outbox().Add(ctx, msg, storage.OutboxOptions{Destination: "d", MaxRetries: 1})
	require.NoError(t, err)
	require.NoError(t, u.Commit(ctx))

	entry, err := u.Outbox().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.OutboxPending, entry.Status)
}

func TestUoWSavepointRollback(t *testing.T) {
	ctx := context.Background()
	u := newUoW()
	require.NoError(t, u.BeginTransaction(ctx, ReadCommitted))

	msg1 := message.NewEvent("t", "one")
	_, err := u.Inbox().Add(ctx, msg1, storage.InboxOptions{})
	require.NoError(t, err)
	require.NoError(t, u.Savepoint("after-one"))

	msg2 := message.NewEvent("t", "two")
	_, err = u.Inbox().Add(ctx, msg2, storage.InboxOptions{})
	require.NoError(t, err)

	require.NoError(t, u.RollbackToSavepoint("after-one"))

	_, err = u.Inbox().Get(ctx, msg1.ID.String())
	require.NoError(t, err)
	_, err = u.Inbox().Get(ctx, msg2.ID.String())
	require.Error(t, err)

	require.NoError(t, u.Commit(ctx))
}

func TestExecutorRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	u := newUoW()
	ex := NewExecutor(u)

	wantErr := errors.New("boom")
	msg := message.NewEvent("t", "payload")
	err := ex.Do(ctx, "test.op", func(ctx context.Context, uow UnitOfWork) error {
		_, addErr := uow.Outbox().Add(ctx, msg, storage.OutboxOptions{Destination: "d", MaxRetries: 1})
		require.NoError(t, addErr)
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	count, err := u.Outbox().GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestExecutorCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	u := newUoW()
	ex := NewExecutor(u)

	msg := message.NewEvent("t", "payload")
	err := ex.Do(ctx, "test.op", func(ctx context.Context, uow UnitOfWork) error {
		_, addErr := uow.Outbox().Add(ctx, msg, storage.OutboxOptions{Destination: "d", MaxRetries: 1})
		return addErr
	})
	require.NoError(t, err)

	count, err := u.Outbox().GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
