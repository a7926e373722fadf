// Package saga implements event-driven multi-step workflows with
// compensation. A saga is a named state machine operating on correlated
// messages: events advance an instance through declared states, actions
// register compensations onto a LIFO stack, and a failure unwinds that
// stack in reverse registration order.
package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koalafacts/heromessaging/message"
)

// Instance is the persisted progress of one correlated workflow.
// Compensations holds the names of registered compensation actions in
// registration order; the functions themselves live on the Definition
// so an instance can round-trip through any store.
type Instance struct {
	CorrelationID uuid.UUID
	SagaName      string
	State         string
	Data          map[string]any
	Complete      bool
	Failed        bool
	FailReason    string
	Compensations []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the instance accepts no further events.
func (i *Instance) Terminal() bool { return i.Complete || i.Failed }

// Get returns the saga-local data value for key.
func (i *Instance) Get(key string) (any, bool) {
	v, ok := i.Data[key]
	return v, ok
}

// Set stores a saga-local data value.
func (i *Instance) Set(key string, value any) {
	if i.Data == nil {
		i.Data = make(map[string]any)
	}
	i.Data[key] = value
}

func (i *Instance) clone() *Instance {
	cp := *i
	cp.Data = make(map[string]any, len(i.Data))
	for k, v := range i.Data {
		cp.Data[k] = v
	}
	cp.Compensations = append([]string(nil), i.Compensations...)
	return &cp
}

// InstanceStore persists saga instances between events. Load returns
// (nil, nil) when no instance exists for the correlation id.
type InstanceStore interface {
	Load(ctx context.Context, sagaName string, correlationID uuid.UUID) (*Instance, error)
	Save(ctx context.Context, inst *Instance) error
}

// MemoryInstanceStore is the in-memory reference InstanceStore.
type MemoryInstanceStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

// NewMemoryInstanceStore builds an empty in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: make(map[string]*Instance)}
}

func key(sagaName string, cid uuid.UUID) string { return sagaName + "/" + cid.String() }

func (s *MemoryInstanceStore) Load(ctx context.Context, sagaName string, correlationID uuid.UUID) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key(sagaName, correlationID)]
	if !ok {
		return nil, nil
	}
	return inst.clone(), nil
}

func (s *MemoryInstanceStore) Save(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[key(inst.SagaName, inst.CorrelationID)] = inst.clone()
	return nil
}

// CorrelationOf extracts the correlation id an event is grouped by: the
// explicit CorrelationID when set, else the message's own id (the first
// event of a workflow correlates everything that follows it).
func CorrelationOf(evt message.Message) uuid.UUID {
	if evt.CorrelationID != nil {
		return *evt.CorrelationID
	}
	return evt.ID
}
