package processor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/koalafacts/heromessaging/outbox"
	"github.com/koalafacts/heromessaging/transport"
)

// OutboxProcessor drains an outbox.Engine on a tick: fetch up to
// batch-size Pending entries and attempt delivery. Claim happens
// single-flight on the tick goroutine; publish+resolve for the claimed
// batch fans out across a bounded worker pool.
type OutboxProcessor struct {
	runner
	engine *outbox.Engine
	pub    transport.Publisher
}

// NewOutboxProcessor builds a processor draining engine through pub.
func NewOutboxProcessor(engine *outbox.Engine, pub transport.Publisher, opts Options, logger zerolog.Logger) *OutboxProcessor {
	return &OutboxProcessor{runner: newRunner(opts, logger), engine: engine, pub: pub}
}

// Start launches the tick loop; it returns immediately.
func (p *OutboxProcessor) Start(ctx context.Context) {
	p.runner.start(ctx, p.tick)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (p *OutboxProcessor) Stop() { p.runner.stop() }

func (p *OutboxProcessor) tick(ctx context.Context) {
	claimed, err := p.engine.Claim(ctx, p.opts.BatchSize)
	if err != nil {
		p.stats.addFailed(0, err.Error())
		p.logger.Error().Err(err).Msg("outbox processor claim failed")
		return
	}
	if len(claimed) == 0 {
		return
	}

	pool := newWorkerPool(p.opts.Workers)
	for _, entry := range claimed {
		entry := entry
		pool.submit(func() {
			pubErr := p.pub.Publish(ctx, entry.Options.Destination, entry.Message)
			processed, failed, err := p.engine.Resolve(ctx, entry, pubErr)
			if err != nil {
				p.stats.addFailed(0, err.Error())
				p.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("outbox processor resolve failed")
				return
			}
			switch {
			case processed:
				p.stats.addProcessed(1)
			case failed:
				p.stats.addFailed(1, pubErr.Error())
			}
		})
	}
	pool.wait()
	if backlog, err := p.engine.Store.GetPendingCount(ctx); err == nil {
		p.stats.setBacklog(backlog)
	}
}
