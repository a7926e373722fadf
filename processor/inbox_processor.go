package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/inbox"
	"github.com/koalafacts/heromessaging/message"
)

// HandlerFunc processes a single inbox entry's message.
type HandlerFunc func(ctx context.Context, msg message.Message) error

// InboxProcessor drains an inbox.Engine on a tick: fetch up to
// batch-size unprocessed entries older than the grace period, claim
// each one so cooperating instances never double-dispatch, and invoke
// the registered handler for their message type.
type InboxProcessor struct {
	runner
	engine *inbox.Engine
	grace  time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewInboxProcessor builds a processor draining engine. grace is the
// minimum age (time since ReceivedAt) an unprocessed entry must reach
// before this processor will attempt it, giving the original
// decide-then-process caller a window to finish first.
func NewInboxProcessor(engine *inbox.Engine, grace time.Duration, opts Options, logger zerolog.Logger) *InboxProcessor {
	return &InboxProcessor{
		runner:   newRunner(opts, logger),
		engine:   engine,
		grace:    grace,
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterHandler routes messages of the given type to handle.
func (p *InboxProcessor) RegisterHandler(messageType string, handle HandlerFunc) {
	p.mu.Lock()
	p.handlers[messageType] = handle
	p.mu.Unlock()
}

// RegisterEventHandler adapts a message.EventHandler to HandlerFunc.
func (p *InboxProcessor) RegisterEventHandler(messageType string, h message.EventHandler) {
	p.RegisterHandler(messageType, func(ctx context.Context, msg message.Message) error {
		result, err := h.HandleEvent(ctx, msg)
		if err != nil {
			return err
		}
		if !result.Success {
			return result.Error
		}
		return nil
	})
}

func (p *InboxProcessor) handlerFor(messageType string) (HandlerFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[messageType]
	return h, ok
}

// Start launches the tick loop; it returns immediately.
func (p *InboxProcessor) Start(ctx context.Context) {
	p.runner.start(ctx, p.tick)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (p *InboxProcessor) Stop() { p.runner.stop() }

func (p *InboxProcessor) tick(ctx context.Context) {
	entries, err := p.engine.Store.GetUnprocessed(ctx, p.opts.BatchSize)
	if err != nil {
		p.stats.addFailed(0, err.Error())
		p.logger.Error().Err(err).Msg("inbox processor fetch failed")
		return
	}

	now := time.Now().UTC()
	pool := newWorkerPool(p.opts.Workers)
	dispatched := 0
	for _, entry := range entries {
		if p.grace > 0 && now.Sub(entry.ReceivedAt) < p.grace {
			continue
		}
		handle, ok := p.handlerFor(entry.Message.Type)
		if !ok {
			p.logger.Warn().Str("message_type", entry.Message.Type).Msg("inbox processor has no handler registered")
			continue
		}
		claimed, err := p.engine.Claim(ctx, entry.ID)
		if err != nil {
			p.stats.addFailed(0, err.Error())
			p.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("inbox processor claim failed")
			continue
		}
		if !claimed {
			continue // another instance got there first
		}
		entry, handle := entry, handle
		safe := func(ctx context.Context, msg message.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = panicToError(r)
				}
			}()
			return handle(ctx, msg)
		}
		dispatched++
		pool.submit(func() {
			if err := p.engine.Process(ctx, entry, safe); err != nil {
				if herrors.IsTransient(err) {
					return // released back to Pending, retried next tick
				}
				p.stats.addFailed(1, err.Error())
				return
			}
			p.stats.addProcessed(1)
		})
	}
	pool.wait()
	if dispatched == 0 {
		return
	}
	if backlog, err := p.engine.Store.GetUnprocessedCount(ctx); err == nil {
		p.stats.setBacklog(backlog)
	}
}
