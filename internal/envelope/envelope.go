// Package envelope defines the wire format for task and result messages
// exchanged over the broker, and the derivation of task identifiers.
package envelope

import (
	"crypto/md5" // #nosec G501 - task ids are collision-tolerant dedup hints, not security tokens
	"encoding/json"
	"fmt"
	"time"
)

// Status reports the outcome of processing a task.
type Status string

const (
	// StatusSuccess indicates the payload was processed and rows were produced.
	StatusSuccess Status = "success"
	// StatusFailure indicates processing failed; Error carries the reason.
	StatusFailure Status = "failure"
)

// Row is a single processed CSV record, keyed by header name.
// Field order within a result is carried by the Data slice, not the map.
type Row map[string]string

// Task carries a unit of work from ingress to a worker.
type Task struct {
	TaskID     string    `json:"task_id"`
	CSVData    string    `json:"csv_data"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Result carries a worker's output back to the coordinator.
// Immutable once published.
type Result struct {
	TaskID         string    `json:"task_id"`
	WorkerID       string    `json:"worker_id"`
	Status         Status    `json:"status"`
	RowCount       int       `json:"row_count"`
	Data           []Row     `json:"data"`
	ProcessingTime Seconds   `json:"processing_time"`
	ProcessedAt    time.Time `json:"processed_at"`
	Error          string    `json:"error,omitempty"`
}

// Seconds is a duration encoded on the wire as a JSON number of seconds.
type Seconds time.Duration

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// MarshalJSON encodes the duration as fractional seconds.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

// UnmarshalJSON decodes fractional seconds into a duration.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("processing_time: %w", err)
	}
	*s = Seconds(time.Duration(secs * float64(time.Second)))
	return nil
}

// NewTaskID derives a task id from the payload content and the current
// second. Identical content submitted within the same second produces the
// same id on purpose: the collision is the retry-dedup signal, not an error.
func NewTaskID(content string, now time.Time) string {
	sum := md5.Sum([]byte(content)) // #nosec G401
	return fmt.Sprintf("%x_%d", sum, now.Unix())
}

// EncodeTask serializes a task envelope for publishing.
func EncodeTask(t *Task) ([]byte, error) {
	if t.TaskID == "" {
		return nil, fmt.Errorf("encode task: task_id cannot be empty")
	}
	return json.Marshal(t)
}

// DecodeTask deserializes a task envelope received from the broker.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.TaskID == "" {
		return nil, fmt.Errorf("decode task: missing task_id")
	}
	return &t, nil
}

// EncodeResult serializes a result envelope for publishing.
func EncodeResult(r *Result) ([]byte, error) {
	if r.TaskID == "" {
		return nil, fmt.Errorf("encode result: task_id cannot be empty")
	}
	return json.Marshal(r)
}

// DecodeResult deserializes a result envelope received from the broker.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if r.TaskID == "" {
		return nil, fmt.Errorf("decode result: missing task_id")
	}
	return &r, nil
}
