// Package message defines the envelope shared by every component of the
// reliable-messaging substrate: the outbox, the inbox, the queue engine and
// the saga machine all carry instances of Message rather than inventing
// their own payload types.
package message

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind is the polymorphic role a Message plays. It never changes once a
// Message is created.
type Kind int

const (
	// KindCommand is a request to change state.
	KindCommand Kind = iota
	// KindQuery is a request for data.
	KindQuery
	// KindEvent is a fact notification.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Metadata is a free-form, additive string-to-opaque-value map. Callers
// should treat a Metadata value as copy-on-write: Message.WithMetadata
// never mutates the receiver's map.
type Metadata map[string]any

// Clone returns a shallow copy of m. A nil receiver clones to an empty,
// non-nil map so callers can always range over the result.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Message is the opaque envelope every engine carries. Identity
// (ID/CreatedAt) is immutable once set; Metadata is additive.
type Message struct {
	// ID is a 128-bit identifier, stable across retries.
	ID uuid.UUID
	// Kind is the message's polymorphic role.
	Kind Kind
	// Type is the self-describing payload type tag, typically the Go
	// type name of Payload.
	Type string
	// Payload is the encoded body. Stores are free to serialize it with
	// any pluggable collaborator; the reference choice is JSON, which
	// gives case-insensitive field matching on decode for free.
	Payload any
	// CreatedAt is a monotonic-UTC creation timestamp.
	CreatedAt time.Time
	// CorrelationID groups messages belonging to the same logical
	// operation (e.g. a saga instance). Nil means "no correlation".
	CorrelationID *uuid.UUID
	// CausationID names the message whose processing produced this one.
	CausationID *uuid.UUID
	// Metadata is a free-form, additive key-value map.
	Metadata Metadata
}

// New creates a Message with a fresh ID and a CreatedAt of now (UTC).
func New(kind Kind, msgType string, payload any) Message {
	return Message{
		ID:        uuid.New(),
		Kind:      kind,
		Type:      msgType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Metadata:  Metadata{},
	}
}

// NewCommand is a convenience constructor for KindCommand messages.
func NewCommand(msgType string, payload any) Message { return New(KindCommand, msgType, payload) }

// NewQuery is a convenience constructor for KindQuery messages.
func NewQuery(msgType string, payload any) Message { return New(KindQuery, msgType, payload) }

// NewEvent is a convenience constructor for KindEvent messages.
func NewEvent(msgType string, payload any) Message { return New(KindEvent, msgType, payload) }

// WithCorrelation returns a copy of m carrying the given correlation id.
func (m Message) WithCorrelation(id uuid.UUID) Message {
	m.CorrelationID = &id
	return m
}

// WithCausation returns a copy of m carrying the given causation id.
func (m Message) WithCausation(id uuid.UUID) Message {
	m.CausationID = &id
	return m
}

// WithMetadata returns a copy of m with key=value merged into its
// metadata. The receiver's metadata is never mutated.
func (m Message) WithMetadata(key string, value any) Message {
	md := m.Metadata.Clone()
	md[key] = value
	m.Metadata = md
	return m
}

// ProcessingResult is returned by command and event handlers.
type ProcessingResult struct {
	Success bool
	Error   error
	// Data carries handler-specific output, e.g. a generated identifier.
	Data any
}

// Ok is a convenience constructor for a successful ProcessingResult.
func Ok(data any) ProcessingResult { return ProcessingResult{Success: true, Data: data} }

// Failed is a convenience constructor for a failed ProcessingResult.
func Failed(err error) ProcessingResult { return ProcessingResult{Success: false, Error: err} }

// CommandHandler consumes a command and returns a ProcessingResult.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Message) (ProcessingResult, error)
}

// EventHandler consumes an event and returns a ProcessingResult.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt Message) (ProcessingResult, error)
}

// QueryHandler consumes a query and returns a typed result.
type QueryHandler interface {
	HandleQuery(ctx context.Context, qry Message) (any, error)
}
