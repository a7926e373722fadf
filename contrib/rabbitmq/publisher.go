// Package rabbitmq is an AMQP 0-9-1 transport for the outbox engine: a
// transport.Publisher that publishes drained messages onto a topic
// exchange, using the entry's destination as the routing key. Failures
// are reported as Transient so the outbox schedules a backoff retry
// instead of failing the entry.
package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/koalafacts/heromessaging/herrors"
	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/transport"
)

// DefaultExchange is the topic exchange declared when none is named.
const DefaultExchange = "messaging.outbox"

// Publisher is an AMQP transport.Publisher. It keeps one connection and
// one channel, redialing lazily when either has dropped.
type Publisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ transport.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithExchange overrides the topic exchange name.
func WithExchange(name string) Option {
	return func(p *Publisher) { p.exchange = name }
}

// NewPublisher dials url and declares the exchange.
func NewPublisher(url string, opts ...Option) (*Publisher, error) {
	p := &Publisher{url: url, exchange: DefaultExchange}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close shuts the channel and connection down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	return nil
}

// Ping reports whether the connection is usable, for a health probe.
func (p *Publisher) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureChannel(); err != nil {
		return err
	}
	return nil
}

// Publish sends msg to the exchange with destination as routing key.
// The message id rides along as the AMQP MessageId so a consuming inbox
// can deduplicate.
func (p *Publisher) Publish(ctx context.Context, destination string, msg message.Message) error {
	body, err := json.Marshal(wireMessage(msg))
	if err != nil {
		return herrors.Validation("rabbitmq.Publish", "payload is not serializable: "+err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureChannel(); err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Timestamp:    msg.CreatedAt,
		Type:         msg.Type,
		Body:         body,
	}
	if msg.CorrelationID != nil {
		pub.CorrelationId = msg.CorrelationID.String()
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, destination, false, false, pub); err != nil {
		p.dropChannel()
		return herrors.Transient("rabbitmq.Publish", "publish to "+destination, err)
	}
	return nil
}

// wire is the JSON body layout: a self-describing envelope matching
// what an inbox-side consumer needs to rebuild the message.
type wire struct {
	ID            string           `json:"id"`
	Kind          string           `json:"kind"`
	Type          string           `json:"type"`
	Payload       any              `json:"payload,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	CausationID   string           `json:"causation_id,omitempty"`
	Metadata      message.Metadata `json:"metadata,omitempty"`
}

func wireMessage(msg message.Message) wire {
	w := wire{
		ID:        msg.ID.String(),
		Kind:      msg.Kind.String(),
		Type:      msg.Type,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
		Metadata:  msg.Metadata,
	}
	if msg.CorrelationID != nil {
		w.CorrelationID = msg.CorrelationID.String()
	}
	if msg.CausationID != nil {
		w.CausationID = msg.CausationID.String()
	}
	return w
}

// connect dials and declares the exchange. Callers hold p.mu or are the
// constructor.
func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return herrors.Transient("rabbitmq.connect", "dial broker", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return herrors.Transient("rabbitmq.connect", "open channel", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return herrors.Transient("rabbitmq.connect", "declare exchange "+p.exchange, err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// ensureChannel redials when the connection or channel has dropped.
// Callers hold p.mu.
func (p *Publisher) ensureChannel() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.dropChannel()
	return p.connect()
}

// dropChannel discards dead handles so the next call redials. Callers
// hold p.mu.
func (p *Publisher) dropChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
