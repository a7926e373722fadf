// Package health exposes read-only probes over the messaging engines:
// storage reachability, transport liveness, and backlog thresholds that
// map queue depth and unprocessed counts to Healthy/Degraded/Unhealthy.
// Probe results compose: an aggregate report's status is the worst
// status across its components.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Status is a probe outcome severity.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Result is one probe's outcome: a status, a human description, and a
// key-value data map (queue_depth, unprocessed_count, last_error, ...).
type Result struct {
	Status      Status
	Description string
	Data        map[string]any
}

func healthy(desc string, data map[string]any) Result {
	return Result{Status: Healthy, Description: desc, Data: data}
}

func unhealthy(desc string, err error) Result {
	return Result{Status: Unhealthy, Description: desc, Data: map[string]any{"last_error": err.Error()}}
}

// Probe is a named, read-only health check.
type Probe interface {
	Name() string
	Probe(ctx context.Context) Result
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) Result
}

func (p probeFunc) Name() string                     { return p.name }
func (p probeFunc) Probe(ctx context.Context) Result { return p.fn(ctx) }

// NewProbe adapts fn to a named Probe.
func NewProbe(name string, fn func(ctx context.Context) Result) Probe {
	return probeFunc{name: name, fn: fn}
}

// Report is an aggregate over all registered probes.
type Report struct {
	Status    Status
	Results   map[string]Result
	CheckedAt time.Time
}

// Registry holds probes and runs them concurrently on Check.
type Registry struct {
	logger zerolog.Logger
	// Timeout bounds a whole Check run. Zero means no extra deadline
	// beyond the caller's context.
	Timeout time.Duration

	mu     sync.Mutex
	probes []Probe
}

// NewRegistry builds an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger, Timeout: 5 * time.Second}
}

// Register adds p to the registry. Later registrations with the same
// name are kept as-is; names are only used as report keys.
func (r *Registry) Register(p Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// Check runs every registered probe concurrently and aggregates the
// results. A probe that panics is reported Unhealthy instead of taking
// the whole run down.
func (r *Registry) Check(ctx context.Context) Report {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	r.mu.Lock()
	probes := append([]Probe(nil), r.probes...)
	r.mu.Unlock()

	results := make([]Result, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			results[i] = runProbe(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: Healthy, Results: make(map[string]Result, len(probes)), CheckedAt: time.Now().UTC()}
	for i, p := range probes {
		report.Results[p.Name()] = results[i]
		report.Status = worse(report.Status, results[i].Status)
		if results[i].Status != Healthy {
			r.logger.Warn().Str("probe", p.Name()).Str("status", results[i].Status.String()).
				Str("description", results[i].Description).Msg("health probe not healthy")
		}
	}
	return report
}

func runProbe(ctx context.Context, p Probe) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{
				Status:      Unhealthy,
				Description: "probe panicked",
				Data:        map[string]any{"panic": rec},
			}
		}
	}()
	return p.Probe(ctx)
}
