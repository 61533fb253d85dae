package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State tracks the connection lifecycle of a Client.
type State int32

const (
	// Disconnected means no usable connection exists.
	Disconnected State = iota
	// Connecting means a dial-with-backoff cycle is in progress.
	Connecting
	// Connected means publish and consume operations can proceed.
	Connected
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client is an AMQP-backed Publisher and Consumer. It declares its queues
// as durable on every (re)connect and publishes with persistent delivery
// mode. One Client holds one connection and one channel; the channel's
// prefetch bounds how many unacknowledged deliveries a consumer may hold.
type Client struct {
	url      string
	queues   []string
	prefetch int
	backoff  Backoff
	logger   *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	state State
}

// NewClient creates a client for the given broker URL. The named queues
// are declared durable when Connect succeeds. prefetch is the maximum
// number of unacknowledged messages a consumer may hold; 1 gives fair
// dispatch across a worker pool.
func NewClient(url string, queues []string, prefetch int, logger *slog.Logger) *Client {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Client{
		url:      url,
		queues:   queues,
		prefetch: prefetch,
		backoff:  DefaultBackoff(),
		logger:   logger,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the broker, retrying with exponential backoff until it
// succeeds or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := c.dial()
		if err == nil {
			return nil
		}

		delay := c.backoff.Delay(attempt)
		c.logger.Warn("broker connection failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("broker connect: %w", ctx.Err())
		}
	}
}

// dial performs a single connection attempt: connection, channel, queue
// declarations, prefetch.
func (c *Client) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Connecting

	conn, err := amqp.Dial(c.url)
	if err != nil {
		c.state = Disconnected
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		c.state = Disconnected
		return fmt.Errorf("open channel: %w", err)
	}

	for _, queue := range c.queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			c.state = Disconnected
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = conn.Close()
		c.state = Disconnected
		return fmt.Errorf("set prefetch: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.state = Connected
	c.logger.Info("broker connected", "url", c.url, "prefetch", c.prefetch)
	return nil
}

// Publish enqueues body on queue with persistent delivery mode and the
// given message id. A connection failure is returned to the caller.
func (c *Client) Publish(ctx context.Context, queue string, body []byte, messageID string) error {
	c.mu.Lock()
	ch := c.ch
	connected := c.state == Connected && c.conn != nil && !c.conn.IsClosed()
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	err := ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume runs a blocking receive loop on queue until ctx is cancelled.
// Each delivery is handed to handler exactly once per arrival and acked
// or nack-requeued per its Decision. If the connection drops the loop
// reconnects with backoff and resumes; redeliveries after a drop are the
// transport's at-least-once behavior surfacing, not a bug.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}

		c.mu.Lock()
		ch := c.ch
		c.mu.Unlock()

		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			c.logger.Warn("consume setup failed, reconnecting", "queue", queue, "error", err)
			c.markDisconnected()
			continue
		}

		if err := c.drain(ctx, queue, deliveries, handler); err != nil {
			return err
		}
		// Delivery channel closed: connection lost, go around and redial.
		c.markDisconnected()
	}
}

// drain processes deliveries until the channel closes or ctx is done.
func (c *Client) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return nil
			}

			decision := handler.Handle(ctx, Delivery{
				Body:        d.Body,
				MessageID:   d.MessageId,
				Redelivered: d.Redelivered,
			})

			switch decision {
			case NackRequeue:
				if err := d.Nack(false, true); err != nil {
					c.logger.Error("nack failed", "queue", queue, "message_id", d.MessageId, "error", err)
				}
			default:
				if err := d.Ack(false); err != nil {
					c.logger.Error("ack failed", "queue", queue, "message_id", d.MessageId, "error", err)
				}
			}
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.state == Connected && c.conn != nil && !c.conn.IsClosed()
	c.mu.Unlock()

	if connected {
		return nil
	}
	return c.Connect(ctx)
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.ch = nil
	c.state = Disconnected
}

// Close shuts the connection down. The client may be reconnected later
// via Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Disconnected
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.ch = nil
	return err
}
