package processor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a processor's tick loop.
type Options struct {
	// Interval between ticks. Defaults to 1s when zero or negative.
	Interval time.Duration
	// BatchSize bounds entries fetched per tick. Defaults to 100 when
	// zero or negative.
	BatchSize int
	// Workers bounds concurrent handler dispatch within a single tick;
	// the fetch loop itself stays single-flight. Defaults to 1
	// (sequential).
	Workers int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// runner is the shared Start/Stop tick-loop machinery for the three
// concrete processors: a jittered initial sleep (avoid thundering herd
// across instances started together) followed by a ticker-driven loop
// that calls tick once per period, respecting ctx cancellation at
// every suspension point.
type runner struct {
	opts   Options
	logger zerolog.Logger
	stats  Stats

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newRunner(opts Options, logger zerolog.Logger) runner {
	return runner{opts: opts.withDefaults(), logger: logger}
}

// Stats returns a snapshot of this processor's observability counters.
func (r *runner) Stats() Snapshot { return r.stats.Snapshot() }

// start launches the tick loop in a goroutine, calling tick(ctx) once
// per interval until Stop or ctx is done. Calling start twice on an
// already-running runner is a no-op.
func (r *runner) start(ctx context.Context, tick func(context.Context)) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.mu.Unlock()

	go func() {
		defer close(r.done)

		jitter := time.Duration(rand.Int63n(int64(r.opts.Interval)))
		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-loopCtx.Done():
			return
		case <-timer.C:
		}

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				tick(loopCtx)
			}
		}
	}()
}

// stop cancels the loop and waits for the current tick to finish.
func (r *runner) stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.running = false
	r.mu.Unlock()

	cancel()
	<-done
}
