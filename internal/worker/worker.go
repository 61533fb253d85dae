// Package worker implements the processing unit that consumes task
// envelopes, deduplicates them, runs the CSV processing function, and
// publishes result envelopes back to the coordinator.
package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/csvflow/csvflow/internal/broker"
	"github.com/csvflow/csvflow/internal/csvproc"
	"github.com/csvflow/csvflow/internal/dedup"
	"github.com/csvflow/csvflow/internal/envelope"
)

// Config holds the processing unit's knobs.
type Config struct {
	// WorkerID identifies this worker in result envelopes.
	WorkerID string
	// ResultQueue is where result envelopes are published.
	ResultQueue string
	// DeadLetterQueue receives tasks that exhausted their delivery attempts.
	DeadLetterQueue string
	// HistoryCapacity bounds the local dedup history.
	HistoryCapacity int
	// MaxDeliveryAttempts bounds nack-requeue cycles caused by transport
	// failures before the task is dead-lettered.
	MaxDeliveryAttempts int
	// SimulateDelay inserts a 0.5-2.0s artificial processing delay.
	SimulateDelay bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:            workerID,
		ResultQueue:         "processed_results",
		DeadLetterQueue:     "csv_tasks_dead",
		HistoryCapacity:     100,
		MaxDeliveryAttempts: 5,
		SimulateDelay:       false,
	}
}

// Unit is a single worker's processing state machine. Per delivery it
// moves through Deduping, Processing, Publishing, Acking; transport
// failures branch to NackRequeue. Multiple Units run independently
// against the same task queue; the broker's prefetch-based dispatch is
// the only coordination between them.
type Unit struct {
	cfg       Config
	publisher broker.Publisher
	processor *csvproc.Processor
	history   *dedup.History
	attempts  *attemptTracker
	logger    *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewUnit creates a processing unit publishing results via publisher.
func NewUnit(cfg Config, publisher broker.Publisher, processor *csvproc.Processor, logger *slog.Logger) *Unit {
	return &Unit{
		cfg:       cfg,
		publisher: publisher,
		processor: processor,
		history:   dedup.NewHistory(cfg.HistoryCapacity),
		attempts:  newAttemptTracker(cfg.HistoryCapacity),
		logger:    logger.With("worker_id", cfg.WorkerID),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Run consumes the task queue until ctx is cancelled.
func (u *Unit) Run(ctx context.Context, consumer broker.Consumer, taskQueue string) error {
	u.logger.Info("worker started, waiting for tasks", "queue", taskQueue)
	return consumer.Consume(ctx, taskQueue, u)
}

// Handle processes one task delivery. It acks duplicates without
// reprocessing (suppressing the ack would itself cause a redelivery
// loop), publishes before acking so a crash between the two leaves the
// task requeued rather than lost, and records the task id in the dedup
// history only once the result is safely published.
func (u *Unit) Handle(ctx context.Context, d broker.Delivery) broker.Decision {
	task, err := envelope.DecodeTask(d.Body)
	if err != nil {
		// No task id means nothing to dedup, retry, or report against.
		u.logger.Error("dropping undecodable task envelope", "message_id", d.MessageID, "error", err)
		return broker.Ack
	}

	if u.history.Seen(task.TaskID) {
		u.logger.Info("skipping duplicate task", "task_id", task.TaskID)
		return broker.Ack
	}

	u.logger.Info("processing task", "task_id", task.TaskID, "redelivered", d.Redelivered)

	result := u.process(task)

	body, err := envelope.EncodeResult(result)
	if err != nil {
		u.logger.Error("dropping unencodable result", "task_id", task.TaskID, "error", err)
		return broker.Ack
	}

	if err := u.publisher.Publish(ctx, u.cfg.ResultQueue, body, task.TaskID); err != nil {
		return u.handlePublishFailure(ctx, task, d, err)
	}

	u.history.Record(task.TaskID)
	u.attempts.clear(task.TaskID)
	u.logger.Info("completed task",
		"task_id", task.TaskID,
		"status", result.Status,
		"row_count", result.RowCount,
		"processing_time", result.ProcessingTime.Duration(),
	)
	return broker.Ack
}

// process runs the CSV processing function and wraps its outcome in a
// result envelope. Processing errors are soft: they become a failure
// result rather than a requeue, so a malformed payload (which would be
// malformed identically on every redelivery) never loops.
func (u *Unit) process(task *envelope.Task) *envelope.Result {
	if u.cfg.SimulateDelay {
		u.sleep(time.Duration(500+rand.Intn(1500)) * time.Millisecond) // #nosec G404
	}

	start := u.now()
	rows, err := u.processor.Process(task.CSVData)
	elapsed := u.now().Sub(start)

	result := &envelope.Result{
		TaskID:         task.TaskID,
		WorkerID:       u.cfg.WorkerID,
		ProcessingTime: envelope.Seconds(elapsed),
		ProcessedAt:    u.now(),
	}
	if err != nil {
		result.Status = envelope.StatusFailure
		result.Error = err.Error()
		return result
	}
	result.Status = envelope.StatusSuccess
	result.RowCount = len(rows)
	result.Data = rows
	return result
}

// handlePublishFailure applies the bounded-retry policy for transport
// errors: nack-requeue while attempts remain, then dead-letter. The task
// id stays out of the dedup history so a redelivery is retried fresh.
func (u *Unit) handlePublishFailure(ctx context.Context, task *envelope.Task, d broker.Delivery, pubErr error) broker.Decision {
	attempt := u.attempts.bump(task.TaskID)
	if attempt < u.cfg.MaxDeliveryAttempts {
		u.logger.Warn("result publish failed, requeueing task",
			"task_id", task.TaskID,
			"attempt", attempt,
			"error", pubErr,
		)
		return broker.NackRequeue
	}

	if err := u.publisher.Publish(ctx, u.cfg.DeadLetterQueue, d.Body, task.TaskID); err != nil {
		u.logger.Error("dead-letter publish failed, requeueing task",
			"task_id", task.TaskID,
			"attempt", attempt,
			"error", err,
		)
		return broker.NackRequeue
	}

	u.attempts.clear(task.TaskID)
	u.logger.Error("task dead-lettered after repeated publish failures",
		"task_id", task.TaskID,
		"attempts", attempt,
		"queue", u.cfg.DeadLetterQueue,
	)
	return broker.Ack
}
