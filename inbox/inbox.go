// Package inbox implements the inbox engine: a durable dedup ledger
// supporting both the decide-then-process and add-first consumption
// modes, giving downstream handlers exactly-once effect.
package inbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// DefaultDedupWindow is used when InboxOptions.DedupWindow is zero.
const DefaultDedupWindow = 24 * time.Hour

// Engine is the inbox engine.
type Engine struct {
	Store  storage.InboxStore
	Logger zerolog.Logger
}

// NewEngine builds an Engine over store.
func NewEngine(store storage.InboxStore, logger zerolog.Logger) *Engine {
	return &Engine{Store: store, Logger: logger}
}

func (e *Engine) withDefaults(opts storage.InboxOptions) storage.InboxOptions {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	return opts
}

// IsDuplicate is the decide-then-process precheck.
func (e *Engine) IsDuplicate(ctx context.Context, messageID string, window time.Duration) (bool, error) {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return e.Store.IsDuplicate(ctx, messageID, window)
}

// Add is the add-first mode: it returns a nil entry (no error) when
// msg.ID is already present within the dedup window and
// opts.RequireIdempotency is set, signaling the caller to acknowledge
// upstream without reprocessing.
func (e *Engine) Add(ctx context.Context, msg message.Message, opts storage.InboxOptions) (*storage.InboxEntry, error) {
	entry, err := e.Store.Add(ctx, msg, e.withDefaults(opts))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		e.Logger.Info().Str("message_id", msg.ID.String()).Msg("inbox duplicate, skipping")
		return nil, nil
	}
	return entry, nil
}

// Claim atomically transitions a Pending entry to Processing so
// cooperating drain instances never double-dispatch the same entry.
// A false return means another worker already claimed it; skip, not
// an error.
func (e *Engine) Claim(ctx context.Context, messageID string) (bool, error) {
	return e.Store.TryClaim(ctx, messageID)
}

// Process runs handle for an entry previously returned by Add/decide
// or claimed via Claim, marking it Processed or Failed according to
// the outcome. handle errors that are herrors.IsTransient release the
// entry back to Pending for the inbox processor's age-based retry
// rather than marking it Failed.
func (e *Engine) Process(ctx context.Context, entry storage.InboxEntry, handle func(ctx context.Context, msg message.Message) error) error {
	if err := handle(ctx, entry.Message); err != nil {
		if herrors.IsTransient(err) {
			if _, relErr := e.Store.Release(ctx, entry.ID); relErr != nil {
				return relErr
			}
			return err // back to Pending; processor retries after stale-grace
		}
		if _, markErr := e.Store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			return markErr
		}
		return err
	}
	_, err := e.Store.MarkProcessed(ctx, entry.ID)
	return err
}

// Cleanup bounds storage by evicting entries received before the
// retention cutoff.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return e.Store.CleanupOldEntries(ctx, cutoff)
}
