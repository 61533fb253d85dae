package coordinator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csvflow/csvflow/internal/broker"
	"github.com/csvflow/csvflow/internal/envelope"
	"github.com/csvflow/csvflow/internal/fanout"
)

const maxUploadBytes = 32 << 20

// Server exposes the ingress HTTP surface: upload, latest-data poll,
// health, and the websocket subscriber attach point. Handlers only
// validate and hand off; the pipeline itself is push-based.
type Server struct {
	aggregator *Aggregator
	publisher  broker.Publisher
	fanout     *fanout.Fanout
	taskQueue  string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	now        func() time.Time
}

// NewServer wires the ingress handlers to the aggregator, publisher, and
// fanout.
func NewServer(agg *Aggregator, publisher broker.Publisher, f *fanout.Fanout, taskQueue string, logger *slog.Logger) *Server {
	return &Server{
		aggregator: agg,
		publisher:  publisher,
		fanout:     f,
		taskQueue:  taskQueue,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/data", s.handleData)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// handleUpload accepts a multipart CSV upload, derives its task id, and
// publishes a task envelope. The caller gets a synchronous accept/reject
// only; processing outcome arrives via the broadcast channel or /data.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no file provided"})
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read file"})
		return
	}
	if len(content) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty file"})
		return
	}

	now := s.now()
	task := &envelope.Task{
		TaskID:     envelope.NewTaskID(string(content), now),
		CSVData:    string(content),
		EnqueuedAt: now,
	}

	body, err := envelope.EncodeTask(task)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if err := s.publisher.Publish(r.Context(), s.taskQueue, body, task.TaskID); err != nil {
		s.logger.Error("task publish failed", "task_id", task.TaskID, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, broker.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": "failed to enqueue task"})
		return
	}

	s.logger.Info("task enqueued", "task_id", task.TaskID, "bytes", len(content))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "CSV uploaded for processing",
		"task_id": task.TaskID,
	})
}

// handleData returns the latest result slot, the fallback poll interface
// for subscribers.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	result, ok := s.aggregator.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no data available yet"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleWS upgrades the connection and runs the subscriber until it
// disconnects. The read loop serves request_update events: the requester
// gets a request_acknowledged reply, then a targeted csv_update with the
// current latest result.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := fanout.NewWSSubscriber(conn)
	go sub.WritePump()
	s.fanout.Register(sub)
	defer func() {
		s.fanout.Unregister(sub.ID())
		sub.Close()
	}()

	for {
		event, err := sub.NextEvent()
		if err != nil {
			return
		}
		if event != fanout.EventRequestUpdate {
			continue
		}

		_ = s.fanout.SendTo(sub.ID(), fanout.EventRequestAcknowledged, map[string]string{"status": "processing"})
		if result, ok := s.aggregator.Latest(); ok {
			_ = s.fanout.SendTo(sub.ID(), fanout.EventCSVUpdate, result)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
