package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
)

// Step is the execution context handed to an Action: the firing event,
// the instance being advanced, and the compensation hook.
type Step struct {
	Instance *Instance
	Event    message.Message

	def *Definition
}

// Compensate pushes the named compensation onto the instance's stack.
// The name must be registered on the Definition; an unknown name is a
// Validation error so the mistake surfaces at the action, not at the
// failure that would later try to run it.
func (s *Step) Compensate(name string) error {
	if _, ok := s.def.compensation(name); !ok {
		return herrors.Validation("saga.Compensate", "compensation "+name+" is not registered")
	}
	s.Instance.Compensations = append(s.Instance.Compensations, name)
	return nil
}

// Machine executes a Definition against an InstanceStore: events in,
// persisted instance progress out.
type Machine struct {
	def    *Definition
	store  InstanceStore
	logger zerolog.Logger

	// continueOnError selects the compensation run mode: false (default)
	// stops at the first compensation error, true keeps unwinding and
	// aggregates every error.
	continueOnError bool

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// Option configures a Machine.
type Option func(*Machine)

// ContinueOnCompensationError keeps unwinding the compensation stack
// past failures, collecting every error instead of stopping at the
// first one.
func ContinueOnCompensationError() Option {
	return func(m *Machine) { m.continueOnError = true }
}

// NewMachine builds a Machine executing def against store.
func NewMachine(def *Definition, store InstanceStore, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		def:    def,
		store:  store,
		logger: logger,
		timers: make(map[uuid.UUID]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleEvent advances the instance correlated with evt. A missing
// instance is created when the initial state has a rule for evt's type;
// otherwise the event is ignored and (nil, nil) is returned. Events on
// terminal instances are ignored. An action error is returned to the
// caller without persisting a transition, so the event can be retried.
func (m *Machine) HandleEvent(ctx context.Context, evt message.Message) (*Instance, error) {
	cid := CorrelationOf(evt)

	inst, err := m.store.Load(ctx, m.def.name, cid)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		initial := m.def.states[m.def.initial]
		if !hasRuleFor(initial, evt.Type) {
			return nil, nil
		}
		now := time.Now().UTC()
		inst = &Instance{
			CorrelationID: cid,
			SagaName:      m.def.name,
			State:         m.def.initial,
			Data:          make(map[string]any),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.enterState(inst, initial)
	}
	if inst.Terminal() {
		m.logger.Debug().Str("saga", m.def.name).Str("correlation_id", cid.String()).
			Str("event_type", evt.Type).Msg("saga event ignored, instance is terminal")
		return inst, nil
	}

	state := m.def.states[inst.State]
	if state == nil {
		return inst, herrors.Fatal("saga.HandleEvent", cid.String(), "instance is in undeclared state "+inst.State, nil)
	}

	br := matchRule(ctx, state, inst, evt)
	if br == nil {
		return inst, nil
	}

	if br.action != nil {
		step := &Step{Instance: inst, Event: evt, def: m.def}
		if err := br.action(ctx, step); err != nil {
			return inst, err
		}
	}

	m.cancelTimer(cid)
	if br.target != "" && br.target != inst.State {
		inst.State = br.target
		m.enterState(inst, m.def.states[br.target])
	}
	if br.finalize {
		inst.Complete = true
	} else if next := m.def.states[inst.State]; next.timeout > 0 {
		m.armTimer(cid, inst.State, next.timeout)
	}
	inst.UpdatedAt = time.Now().UTC()

	if err := m.store.Save(ctx, inst); err != nil {
		return inst, err
	}
	m.logger.Info().Str("saga", m.def.name).Str("correlation_id", cid.String()).
		Str("event_type", evt.Type).Str("state", inst.State).Bool("complete", inst.Complete).
		Msg("saga advanced")
	return inst, nil
}

// Fail marks the instance Failed and runs its compensation stack in
// LIFO order. The instance is Failed and persisted regardless of
// compensation errors; those are returned (aggregated when
// ContinueOnCompensationError is selected) for observability.
func (m *Machine) Fail(ctx context.Context, correlationID uuid.UUID, reason string) (*Instance, error) {
	inst, err := m.store.Load(ctx, m.def.name, correlationID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, herrors.NotFound("saga.Fail", correlationID.String())
	}
	if inst.Terminal() {
		return inst, nil
	}

	m.cancelTimer(correlationID)
	inst.Failed = true
	inst.FailReason = reason
	inst.UpdatedAt = time.Now().UTC()

	compErr := m.compensate(ctx, inst)

	if err := m.store.Save(ctx, inst); err != nil {
		return inst, errors.Join(compErr, err)
	}
	m.logger.Warn().Str("saga", m.def.name).Str("correlation_id", correlationID.String()).
		Str("reason", reason).Err(compErr).Msg("saga failed, compensations ran")
	return inst, compErr
}

func (m *Machine) compensate(ctx context.Context, inst *Instance) error {
	var errs []error
	for i := len(inst.Compensations) - 1; i >= 0; i-- {
		name := inst.Compensations[i]
		fn, ok := m.def.compensation(name)
		if !ok {
			errs = append(errs, herrors.Fatal("saga.compensate", inst.CorrelationID.String(), "compensation "+name+" is not registered", nil))
			if !m.continueOnError {
				break
			}
			continue
		}
		if err := fn(ctx, inst); err != nil {
			m.logger.Error().Err(err).Str("saga", m.def.name).
				Str("correlation_id", inst.CorrelationID.String()).
				Str("compensation", name).Msg("compensation failed")
			errs = append(errs, err)
			if !m.continueOnError {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close cancels all armed state timers. Call on shutdown so no timeout
// fires against a store that is being torn down.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid, t := range m.timers {
		t.Stop()
		delete(m.timers, cid)
	}
}

func (m *Machine) enterState(inst *Instance, sd *stateDef) {
	inst.Compensations = append(inst.Compensations, sd.compensations...)
}

func (m *Machine) armTimer(cid uuid.UUID, state string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[cid]; ok {
		t.Stop()
	}
	m.timers[cid] = time.AfterFunc(d, func() {
		m.failIfStillIn(cid, state, d)
	})
}

func (m *Machine) cancelTimer(cid uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[cid]; ok {
		t.Stop()
		delete(m.timers, cid)
	}
}

// failIfStillIn is the timeout trigger: it fails the instance only if
// it still sits in the state the timer was armed for, so a transition
// racing the timer wins.
func (m *Machine) failIfStillIn(cid uuid.UUID, state string, d time.Duration) {
	ctx := context.Background()
	inst, err := m.store.Load(ctx, m.def.name, cid)
	if err != nil || inst == nil || inst.Terminal() || inst.State != state {
		return
	}
	if _, err := m.Fail(ctx, cid, "no event within "+d.String()+" in state "+state); err != nil {
		m.logger.Error().Err(err).Str("saga", m.def.name).
			Str("correlation_id", cid.String()).Msg("saga timeout compensation reported errors")
	}
}

func hasRuleFor(sd *stateDef, eventType string) bool {
	for _, r := range sd.rules {
		if r.eventType == eventType {
			return true
		}
	}
	return false
}

// matchRule picks the branch that fires for evt in the current state:
// rules are scanned in declaration order, the first whose predicate
// holds fires its primary branch; a rule whose predicate fails fires
// its Else branch when one is declared, otherwise scanning continues.
func matchRule(ctx context.Context, sd *stateDef, inst *Instance, evt message.Message) *branch {
	for _, r := range sd.rules {
		if r.eventType != evt.Type {
			continue
		}
		if r.cond == nil || r.cond(ctx, inst, evt) {
			return &r.then
		}
		if r.els != nil {
			return r.els
		}
	}
	return nil
}
