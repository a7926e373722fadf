// Package transport declares the abstract publisher contract the
// outbox engine hands drained messages to. Concrete wire transports
// live behind this interface; contrib/rabbitmq ships an AMQP
// implementation, and Breaker decorates any Publisher with a circuit
// breaker.
package transport

import (
	"context"

	"github.com/koalafacts/heromessaging/message"
)

// Publisher delivers a message to destination. Implementations return
// an herrors.Transient-wrapped error for retryable failures (connection
// down, broker unavailable). The outbox engine schedules a backoff retry
// for every publish error, whatever its kind, until the entry reaches
// its MaxRetries; only then is the entry marked Failed.
type Publisher interface {
	Publish(ctx context.Context, destination string, msg message.Message) error
}

// PublisherFunc adapts a function to a Publisher, mirroring the
// stdlib's http.HandlerFunc idiom for trivial/test publishers.
type PublisherFunc func(ctx context.Context, destination string, msg message.Message) error

func (f PublisherFunc) Publish(ctx context.Context, destination string, msg message.Message) error {
	return f(ctx, destination, msg)
}
