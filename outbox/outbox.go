// Package outbox implements the outbox engine: a durable send buffer
// co-committed with business data, drained by handing Pending entries
// to a transport.Publisher with retry/backoff scheduling. The drain
// step (DrainOnce) is deliberately a single, synchronous call: the
// long-running tick loop that calls it belongs to package processor,
// keeping the engine itself free of scheduling concerns.
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
	"github.com/koalafacts/heromessaging/transport"
)

// Engine is the outbox engine: Add for producers, DrainOnce for the
// background processor.
type Engine struct {
	Store  storage.OutboxStore
	Logger zerolog.Logger
}

// NewEngine builds an Engine over store. A zero-value Logger is a
// zerolog.Nop() logger — the host wires up real logging.
func NewEngine(store storage.OutboxStore, logger zerolog.Logger) *Engine {
	return &Engine{Store: store, Logger: logger}
}

// Add inserts a Pending entry. Callers running inside a uow.Executor
// get the dual-write-avoidance guarantee for free: either the business
// change and this entry both persist, or neither does.
func (e *Engine) Add(ctx context.Context, msg message.Message, opts storage.OutboxOptions) (string, error) {
	if opts.Destination == "" {
		return "", herrors.Validation("outbox.Add", "options.Destination is required")
	}
	if opts.MaxRetries < 0 {
		return "", herrors.Validation("outbox.Add", "options.MaxRetries must be >= 0")
	}
	if opts.Backoff == nil {
		opts.Backoff = NewExponentialBackoff()
	}
	return e.Store.Add(ctx, msg, opts)
}

// DrainResult summarizes one DrainOnce call for processor
// observability.
type DrainResult struct {
	Processed int
	Failed    int
	Skipped   int // always 0: Claim omits entries lost to another worker without counting them
	LastError string
}

// Claim fetches up to limit Pending, visible entries and atomically
// claims each one (Pending -> Processing). Entries that lose the claim
// race to another worker are simply omitted, not errored. Callers
// resolve each returned entry's delivery outcome with Resolve.
func (e *Engine) Claim(ctx context.Context, limit int) ([]storage.OutboxEntry, error) {
	entries, err := e.Store.GetPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	claimed := make([]storage.OutboxEntry, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return claimed, herrors.Cancelled("outbox.Claim", ctx.Err())
		}
		ok, err := e.Store.TryClaim(ctx, entry.ID)
		if err != nil {
			e.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("outbox claim failed")
			continue
		}
		if ok {
			claimed = append(claimed, entry)
		}
	}
	return claimed, nil
}

// Resolve applies the mark-or-retry protocol to a single claimed
// entry's delivery outcome (pubErr == nil means delivered). It reports
// which terminal/retry outcome occurred so a caller (DrainOnce, or
// processor.OutboxProcessor's worker pool) can aggregate DrainResult
// across concurrent deliveries.
func (e *Engine) Resolve(ctx context.Context, entry storage.OutboxEntry, pubErr error) (processed, failed bool, err error) {
	if pubErr == nil {
		if _, err := e.Store.MarkProcessed(ctx, entry.ID); err != nil {
			return false, false, err
		}
		e.Logger.Info().Str("entry_id", entry.ID).Str("destination", entry.Options.Destination).Msg("outbox entry delivered")
		return true, false, nil
	}

	// retry-count stays bounded by max-retries: the attempt that would
	// push it to max-retries is itself the terminal one.
	nextRetry := entry.RetryCount + 1
	if nextRetry >= entry.Options.MaxRetries {
		if err := e.Store.UpdateRetryCount(ctx, entry.ID, nextRetry, nil); err != nil {
			return false, false, err
		}
		if _, err := e.Store.MarkFailed(ctx, entry.ID, pubErr.Error()); err != nil {
			return false, false, err
		}
		e.Logger.Warn().Str("entry_id", entry.ID).Int("retry_count", nextRetry).Msg("outbox entry exhausted retries")
		return false, true, nil
	}

	backoff := backoffFor(entry.Options).Next(nextRetry)
	next := time.Now().UTC().Add(backoff)
	if err := e.Store.UpdateRetryCount(ctx, entry.ID, nextRetry, &next); err != nil {
		return false, false, err
	}
	e.Logger.Warn().Str("entry_id", entry.ID).Int("retry_count", nextRetry).Dur("retry_in", backoff).Msg("outbox delivery failed, scheduled retry")
	return false, false, nil
}

// DrainOnce is the sequential convenience form of Claim+Publish+Resolve
// for callers that do not need per-entry concurrency.
func (e *Engine) DrainOnce(ctx context.Context, limit int, pub transport.Publisher) (DrainResult, error) {
	var result DrainResult
	claimed, err := e.Claim(ctx, limit)
	if err != nil {
		return result, err
	}
	result.Skipped = 0

	for _, entry := range claimed {
		if ctx.Err() != nil {
			return result, herrors.Cancelled("outbox.DrainOnce", ctx.Err())
		}
		pubErr := pub.Publish(ctx, entry.Options.Destination, entry.Message)
		processed, failed, err := e.Resolve(ctx, entry, pubErr)
		if err != nil {
			e.Logger.Error().Err(err).Str("entry_id", entry.ID).Msg("outbox resolve failed")
			continue
		}
		switch {
		case processed:
			result.Processed++
		case failed:
			result.Failed++
			result.LastError = pubErr.Error()
		default:
			result.LastError = pubErr.Error()
		}
	}
	return result, nil
}

func backoffFor(opts storage.OutboxOptions) storage.BackoffPolicy {
	if opts.Backoff != nil {
		return opts.Backoff
	}
	return NewExponentialBackoff()
}

// Cleanup purges terminal entries older than the retention horizon. It
// is a separate maintenance task, not part of the drain loop.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	return e.Store.PurgeOlderThan(ctx, cutoff)
}
