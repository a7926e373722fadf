package uow

import (
	"context"
	"errors"

	"github.com/koalafacts/heromessaging/herrors"
)

// Executor wraps an operation in a begin/commit/rollback bracket with
// a human-readable operation name for logging. It never swallows an
// error: the operation's error is always returned after rollback.
type Executor struct {
	UoW       UnitOfWork
	Isolation IsolationLevel // defaults to ReadCommitted
}

// NewExecutor builds an Executor around uow at the default
// ReadCommitted isolation level.
func NewExecutor(uow UnitOfWork) *Executor {
	return &Executor{UoW: uow, Isolation: ReadCommitted}
}

// Do runs fn inside a begin/commit/rollback bracket named op. A panic
// inside fn rolls back and re-panics so a leaked transaction never
// outlives the call.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context, uow UnitOfWork) error) (err error) {
	if err := e.UoW.BeginTransaction(ctx, e.Isolation); err != nil {
		return herrors.Fatal(op, "", "begin transaction failed", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = e.UoW.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(ctx, e.UoW); err != nil {
		if rbErr := e.UoW.Rollback(ctx); rbErr != nil {
			return herrors.Fatal(op, "", "rollback failed after operation error", errors.Join(err, rbErr))
		}
		return err
	}

	if err = e.UoW.Commit(ctx); err != nil {
		// Commit failures are reported as-is, not masked by a rollback.
		return herrors.Transient(op, "commit failed", err)
	}
	return nil
}
