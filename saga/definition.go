package saga

import (
	"context"
	"time"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
)

// Predicate guards a rule. A nil predicate always matches.
type Predicate func(ctx context.Context, inst *Instance, evt message.Message) bool

// Action runs when a rule fires, before the transition. Actions mutate
// instance data and register compensations through the Step.
type Action func(ctx context.Context, step *Step) error

// Compensation undoes a partial effect when the saga fails. All
// compensations are declared by name on the Definition so the
// instance's stack can persist as a list of names.
type Compensation func(ctx context.Context, inst *Instance) error

type branch struct {
	action   Action
	target   string // "" = stay in the current state
	finalize bool
}

type rule struct {
	eventType string
	cond      Predicate
	then      branch
	// els mirrors then for the opposite predicate outcome; nil when no
	// Else branch was declared.
	els *branch
}

type stateDef struct {
	name string
	// compensations are pushed onto the instance stack on state entry,
	// in declaration order.
	compensations []string
	timeout       time.Duration
	rules         []*rule
}

// Definition is an immutable, declarative saga: a set of states, an
// initial state, per-state transition rules, and a registry of named
// compensation actions.
type Definition struct {
	name          string
	initial       string
	states        map[string]*stateDef
	order         []string
	compensations map[string]Compensation
}

// Name returns the saga's name.
func (d *Definition) Name() string { return d.name }

// InitialState returns the name of the initial state.
func (d *Definition) InitialState() string { return d.initial }

func (d *Definition) compensation(name string) (Compensation, bool) {
	fn, ok := d.compensations[name]
	return fn, ok
}

// Builder assembles a Definition. The fluent chain mirrors the way the
// workflow reads: State("X").When("E").Then(a).TransitionTo("Y").
type Builder struct {
	def *Definition
}

// New starts a Definition named name whose initial state is initial.
func New(name, initial string) *Builder {
	return &Builder{def: &Definition{
		name:          name,
		initial:       initial,
		states:        make(map[string]*stateDef),
		compensations: make(map[string]Compensation),
	}}
}

// State opens (or reopens) the named state for rule declarations.
func (b *Builder) State(name string) *StateBuilder {
	sd, ok := b.def.states[name]
	if !ok {
		sd = &stateDef{name: name}
		b.def.states[name] = sd
		b.def.order = append(b.def.order, name)
	}
	return &StateBuilder{b: b, sd: sd}
}

// Compensation registers a named compensation action usable from any
// state or Step. Redeclaring a name replaces the function.
func (b *Builder) Compensation(name string, fn Compensation) *Builder {
	b.def.compensations[name] = fn
	return b
}

// Build validates the definition: the initial state must exist, every
// transition target must be a declared state, and every statically
// referenced compensation must be registered.
func (b *Builder) Build() (*Definition, error) {
	d := b.def
	if d.name == "" {
		return nil, herrors.Validation("saga.Build", "saga name is required")
	}
	if _, ok := d.states[d.initial]; !ok {
		return nil, herrors.Validation("saga.Build", "initial state "+d.initial+" is not declared")
	}
	for _, name := range d.order {
		sd := d.states[name]
		for _, comp := range sd.compensations {
			if _, ok := d.compensations[comp]; !ok {
				return nil, herrors.Validation("saga.Build", "state "+name+" references unregistered compensation "+comp)
			}
		}
		for _, r := range sd.rules {
			if r.then.target != "" {
				if _, ok := d.states[r.then.target]; !ok {
					return nil, herrors.Validation("saga.Build", "state "+name+" transitions to undeclared state "+r.then.target)
				}
			}
			if r.els != nil && r.els.target != "" {
				if _, ok := d.states[r.els.target]; !ok {
					return nil, herrors.Validation("saga.Build", "state "+name+" else-transitions to undeclared state "+r.els.target)
				}
			}
		}
	}
	return d, nil
}

// StateBuilder declares rules and compensations for one state.
type StateBuilder struct {
	b  *Builder
	sd *stateDef
}

// Compensate registers fn under name and schedules it to be pushed onto
// the compensation stack whenever this state is entered.
func (sb *StateBuilder) Compensate(name string, fn Compensation) *StateBuilder {
	sb.b.def.compensations[name] = fn
	sb.sd.compensations = append(sb.sd.compensations, name)
	return sb
}

// Timeout fails the saga if no valid event arrives within d of entering
// this state, which unwinds the compensation stack.
func (sb *StateBuilder) Timeout(d time.Duration) *StateBuilder {
	sb.sd.timeout = d
	return sb
}

// When opens a rule matching events of the given type. Rules are
// evaluated in declaration order; the first whose predicate holds fires.
func (sb *StateBuilder) When(eventType string) *RuleBuilder {
	r := &rule{eventType: eventType}
	sb.sd.rules = append(sb.sd.rules, r)
	return &RuleBuilder{sb: sb, r: r}
}

// State delegates to the Builder so chains can move on to the next state.
func (sb *StateBuilder) State(name string) *StateBuilder { return sb.b.State(name) }

// Build delegates to the Builder.
func (sb *StateBuilder) Build() (*Definition, error) { return sb.b.Build() }

// RuleBuilder declares one When rule's branches.
type RuleBuilder struct {
	sb *StateBuilder
	r  *rule
}

// If guards the rule's primary branch with p.
func (rb *RuleBuilder) If(p Predicate) *RuleBuilder {
	rb.r.cond = p
	return rb
}

// Then runs a before the primary branch's transition.
func (rb *RuleBuilder) Then(a Action) *RuleBuilder {
	rb.r.then.action = a
	return rb
}

// TransitionTo names the primary branch's target state.
func (rb *RuleBuilder) TransitionTo(state string) *RuleBuilder {
	rb.r.then.target = state
	return rb
}

// Finalize marks the primary branch as completing the saga.
func (rb *RuleBuilder) Finalize() *RuleBuilder {
	rb.r.then.finalize = true
	return rb
}

func (rb *RuleBuilder) elseBranch() *branch {
	if rb.r.els == nil {
		rb.r.els = &branch{}
	}
	return rb.r.els
}

// ElseThen runs a when the rule's predicate does not hold.
func (rb *RuleBuilder) ElseThen(a Action) *RuleBuilder {
	rb.elseBranch().action = a
	return rb
}

// ElseTransitionTo names the opposite branch's target state.
func (rb *RuleBuilder) ElseTransitionTo(state string) *RuleBuilder {
	rb.elseBranch().target = state
	return rb
}

// ElseFinalize marks the opposite branch as completing the saga.
func (rb *RuleBuilder) ElseFinalize() *RuleBuilder {
	rb.elseBranch().finalize = true
	return rb
}

// When closes this rule and opens the next one on the same state.
func (rb *RuleBuilder) When(eventType string) *RuleBuilder { return rb.sb.When(eventType) }

// State closes this rule and moves to another state's declarations.
func (rb *RuleBuilder) State(name string) *StateBuilder { return rb.sb.b.State(name) }

// Compensation delegates to the Builder's compensation registry.
func (rb *RuleBuilder) Compensation(name string, fn Compensation) *RuleBuilder {
	rb.sb.b.Compensation(name, fn)
	return rb
}

// Build delegates to the Builder.
func (rb *RuleBuilder) Build() (*Definition, error) { return rb.sb.b.Build() }
