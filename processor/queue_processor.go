package processor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/queue"
	"github.com/koalafacts/heromessaging/storage"
)

// QueueProcessor drains a single named queue on a tick: Dequeue,
// dispatch to the handler, then Acknowledge or Reject. Handler errors
// reject-with-requeue, which makes the entry visible again at once; the
// store's max-dequeue-count check on the next Dequeue decides between
// redelivery and DLQ routing. The processor never re-raises.
type QueueProcessor struct {
	runner
	engine    *queue.Engine
	queueName string
	handle    HandlerFunc
}

// NewQueueProcessor builds a processor draining queueName through handle.
func NewQueueProcessor(engine *queue.Engine, queueName string, handle HandlerFunc, opts Options, logger zerolog.Logger) *QueueProcessor {
	return &QueueProcessor{runner: newRunner(opts, logger), engine: engine, queueName: queueName, handle: handle}
}

// Start launches the tick loop; it returns immediately.
func (p *QueueProcessor) Start(ctx context.Context) {
	p.runner.start(ctx, p.tick)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (p *QueueProcessor) Stop() { p.runner.stop() }

func (p *QueueProcessor) tick(ctx context.Context) {
	pool := newWorkerPool(p.opts.Workers)
	dequeued := 0
	for i := 0; i < p.opts.BatchSize; i++ {
		entry, err := p.engine.Dequeue(ctx, p.queueName)
		if err != nil {
			p.stats.addFailed(0, err.Error())
			p.logger.Error().Err(err).Str("queue", p.queueName).Msg("queue processor dequeue failed")
			break
		}
		if entry == nil {
			break
		}
		dequeued++
		pool.submit(func() { p.handleEntry(ctx, entry) })
	}
	pool.wait()

	if dequeued == 0 {
		return
	}
	if depth, err := p.engine.Depth(ctx, p.queueName); err == nil {
		p.stats.setBacklog(depth)
	}
}

func (p *QueueProcessor) handleEntry(ctx context.Context, entry *storage.QueueEntry) {
	if err := p.dispatch(ctx, entry.Message); err != nil {
		p.stats.addFailed(1, err.Error())
		if rejErr := p.engine.Reject(ctx, p.queueName, entry.ID, true); rejErr != nil {
			p.logger.Error().Err(rejErr).Str("entry_id", entry.ID).Msg("queue processor reject failed")
		}
		return
	}
	if _, err := p.engine.Acknowledge(ctx, p.queueName, entry.ID); err != nil {
		p.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("queue processor acknowledge failed")
		return
	}
	p.stats.addProcessed(1)
}

func (p *QueueProcessor) dispatch(ctx context.Context, msg message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return p.handle(ctx, msg)
}
