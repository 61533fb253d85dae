// Package broker provides the queue client used by workers and the
// coordinator: durable publish, manual-acknowledgment consume, and
// reconnection with backoff. The underlying transport is AMQP and its
// guarantee surface is at-least-once delivery; consumers above this
// package must tolerate redelivery.
package broker

import (
	"context"
	"errors"
)

// Decision is a handler's explicit verdict on a delivery.
type Decision int

const (
	// Ack removes the message from the queue. It is the single source of
	// truth for "done": a message acked once is never redelivered.
	Ack Decision = iota
	// NackRequeue returns the message to the queue for redelivery,
	// possibly to a different consumer.
	NackRequeue
)

// ErrNotConnected is returned by Publish when no broker connection is
// established. Callers see transport failures directly; they are never
// retried transparently.
var ErrNotConnected = errors.New("broker: not connected")

// Delivery is a single message handed to a Handler.
type Delivery struct {
	Body        []byte
	MessageID   string
	Redelivered bool
}

// Handler processes one delivery and decides its fate. The consume loop
// invokes it once per message and applies the returned Decision; there is
// no auto-ack path.
type Handler interface {
	Handle(ctx context.Context, d Delivery) Decision
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d Delivery) Decision

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) Decision {
	return f(ctx, d)
}

// Publisher enqueues messages durably. messageID is stamped on the
// message as an advisory dedup hint; the transport does not enforce it.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, messageID string) error
}

// Consumer runs a blocking receive loop against a queue, invoking the
// handler once per delivery, until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler Handler) error
}
