// Package fanout decouples "a new result is available" from "deliver it
// to every live subscriber": deliveries are queued on an internal FIFO
// drained by a single loop, so a slow or broken subscriber never blocks
// result consumption.
package fanout

import (
	"errors"
	"log/slog"
	"sync"
)

// Broadcast channel event names.
const (
	// EventCSVUpdate carries a full result payload to subscribers.
	EventCSVUpdate = "csv_update"
	// EventRequestUpdate is sent by a subscriber to request redelivery of
	// the latest result.
	EventRequestUpdate = "request_update"
	// EventRequestAcknowledged confirms a request_update is being handled.
	EventRequestAcknowledged = "request_acknowledged"
)

// ErrUnknownSubscriber is returned when a targeted delivery names a
// subscriber that is not registered.
var ErrUnknownSubscriber = errors.New("fanout: unknown subscriber")

// Subscriber delivers events to one connected client.
type Subscriber interface {
	ID() string
	Send(event string, payload any) error
}

// entry is one pending delivery. An empty subscriberID means broadcast.
type entry struct {
	event        string
	payload      any
	subscriberID string
}

// Fanout maintains the live subscriber set and the pending-delivery FIFO.
type Fanout struct {
	latest func() (any, bool)
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]Subscriber
	pending []entry

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a fanout. latest supplies the current result for
// late-joiner replay; it may be nil if no replay is wanted.
func New(latest func() (any, bool), logger *slog.Logger) *Fanout {
	return &Fanout{
		latest: latest,
		logger: logger,
		subs:   make(map[string]Subscriber),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (f *Fanout) Start() {
	f.wg.Add(1)
	go f.deliveryLoop()
}

// Close stops the delivery loop after the current entry. Pending entries
// are dropped.
func (f *Fanout) Close() {
	close(f.done)
	f.wg.Wait()
}

// Register adds a subscriber and immediately queues the current latest
// result for it if one exists, so late joiners are not stuck waiting for
// the next task.
func (f *Fanout) Register(sub Subscriber) {
	f.mu.Lock()
	f.subs[sub.ID()] = sub
	count := len(f.subs)
	f.mu.Unlock()

	f.logger.Info("subscriber connected", "subscriber_id", sub.ID(), "total", count)

	if f.latest != nil {
		if payload, ok := f.latest(); ok {
			f.enqueue(entry{event: EventCSVUpdate, payload: payload, subscriberID: sub.ID()})
		}
	}
}

// Unregister removes a subscriber. Pending deliveries targeted at it are
// dropped when the loop reaches them; nothing is retried.
func (f *Fanout) Unregister(id string) {
	f.mu.Lock()
	delete(f.subs, id)
	count := len(f.subs)
	f.mu.Unlock()

	f.logger.Info("subscriber disconnected", "subscriber_id", id, "total", count)
}

// Count returns the number of live subscribers.
func (f *Fanout) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Broadcast queues an event for delivery to all current subscribers.
// It never blocks on subscriber sends.
func (f *Fanout) Broadcast(event string, payload any) {
	f.enqueue(entry{event: event, payload: payload})
}

// SendTo queues an event for one subscriber.
func (f *Fanout) SendTo(subscriberID, event string, payload any) error {
	f.mu.Lock()
	_, ok := f.subs[subscriberID]
	f.mu.Unlock()
	if !ok {
		return ErrUnknownSubscriber
	}

	f.enqueue(entry{event: event, payload: payload, subscriberID: subscriberID})
	return nil
}

func (f *Fanout) enqueue(e entry) {
	f.mu.Lock()
	f.pending = append(f.pending, e)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// deliveryLoop drains the FIFO, woken by enqueues rather than polling.
func (f *Fanout) deliveryLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
			f.drainPending()
		}
	}
}

func (f *Fanout) drainPending() {
	for {
		f.mu.Lock()
		if len(f.pending) == 0 {
			f.mu.Unlock()
			return
		}
		e := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()

		f.deliver(e)

		select {
		case <-f.done:
			return
		default:
		}
	}
}

// deliver performs the sends for one entry. A failed send to one
// subscriber is logged and never blocks or drops sends to the others.
func (f *Fanout) deliver(e entry) {
	if e.subscriberID != "" {
		f.mu.Lock()
		sub, ok := f.subs[e.subscriberID]
		f.mu.Unlock()
		if !ok {
			f.logger.Debug("dropping delivery for departed subscriber",
				"subscriber_id", e.subscriberID,
				"event", e.event,
			)
			return
		}
		f.send(sub, e.event, e.payload)
		return
	}

	f.mu.Lock()
	targets := make([]Subscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	for _, sub := range targets {
		f.send(sub, e.event, e.payload)
	}
}

func (f *Fanout) send(sub Subscriber, event string, payload any) {
	if err := sub.Send(event, payload); err != nil {
		f.logger.Warn("subscriber send failed",
			"subscriber_id", sub.ID(),
			"event", event,
			"error", err,
		)
	}
}
