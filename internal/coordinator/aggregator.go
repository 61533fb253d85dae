// Package coordinator implements the result aggregation side of the
// pipeline: the sole consumer of the result queue, the latest-result
// slot, and the thin HTTP ingress surface.
package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/csvflow/csvflow/internal/broker"
	"github.com/csvflow/csvflow/internal/dedup"
	"github.com/csvflow/csvflow/internal/envelope"
	"github.com/csvflow/csvflow/internal/fanout"
)

// Broadcaster queues an event for asynchronous delivery to subscribers.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Aggregator merges worker results into the latest-result slot and
// triggers broadcasts. It assumes it is the only active consumer of the
// result queue: a second instance would see a disjoint subset of results
// and hold its own divergent slot.
type Aggregator struct {
	history     *dedup.History
	broadcaster Broadcaster
	logger      *slog.Logger

	mu     sync.RWMutex
	latest *envelope.Result
}

// NewAggregator creates an aggregator with a dedup history of the given
// capacity.
func NewAggregator(historyCapacity int, broadcaster Broadcaster, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		history:     dedup.NewHistory(historyCapacity),
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Handle consumes one result delivery. Duplicates are acked and dropped
// with no rebroadcast; fresh results overwrite the latest slot and queue
// a csv_update broadcast.
func (a *Aggregator) Handle(_ context.Context, d broker.Delivery) broker.Decision {
	result, err := envelope.DecodeResult(d.Body)
	if err != nil {
		// An undecodable result decodes the same on every redelivery;
		// requeueing it would loop forever.
		a.logger.Error("dropping undecodable result envelope", "message_id", d.MessageID, "error", err)
		return broker.Ack
	}

	if !a.history.Record(result.TaskID) {
		a.logger.Info("duplicate result dropped", "task_id", result.TaskID)
		return broker.Ack
	}

	a.mu.Lock()
	a.latest = result
	a.mu.Unlock()

	a.logger.Info("result aggregated",
		"task_id", result.TaskID,
		"worker_id", result.WorkerID,
		"status", result.Status,
		"row_count", result.RowCount,
	)

	a.broadcaster.Broadcast(fanout.EventCSVUpdate, result)
	return broker.Ack
}

// Latest returns the most recently accepted result. "Most recent" means
// arrival order at this consumer, not task submission order: under
// concurrent workers the slot may reflect an older submission that
// finished later.
func (a *Aggregator) Latest() (*envelope.Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return nil, false
	}
	return a.latest, true
}

// LatestPayload adapts Latest for the fanout's late-joiner replay.
func (a *Aggregator) LatestPayload() (any, bool) {
	result, ok := a.Latest()
	if !ok {
		return nil, false
	}
	return result, true
}

// Run consumes the result queue until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, consumer broker.Consumer, resultQueue string) error {
	a.logger.Info("aggregator started", "queue", resultQueue)
	return consumer.Consume(ctx, resultQueue, a)
}
