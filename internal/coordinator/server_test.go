package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csvflow/csvflow/internal/envelope"
	"github.com/csvflow/csvflow/internal/fanout"
)

type publishCall struct {
	queue     string
	body      []byte
	messageID string
}

// fakePublisher records publishes and can be told to fail.
type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, queue string, body []byte, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, publishCall{queue: queue, body: body, messageID: messageID})
	return nil
}

func (f *fakePublisher) published() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type serverFixture struct {
	server    *Server
	agg       *Aggregator
	publisher *fakePublisher
	fan       *fanout.Fanout
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := testLogger()
	pub := &fakePublisher{}

	var agg *Aggregator
	fan := fanout.New(func() (any, bool) { return agg.LatestPayload() }, logger)
	agg = NewAggregator(1000, fan, logger)
	fan.Start()
	t.Cleanup(fan.Close)

	return &serverFixture{
		server:    NewServer(agg, pub, fan, "csv_tasks", logger),
		agg:       agg,
		publisher: pub,
		fan:       fan,
	}
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUploadPublishesTask(t *testing.T) {
	fx := newServerFixture(t)
	body, contentType := multipartBody(t, "file", "data.csv", "name,value\nitem1,10\nitem2,20")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.NotEmpty(t, resp["task_id"])

	calls := fx.publisher.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "csv_tasks", calls[0].queue)
	assert.Equal(t, resp["task_id"], calls[0].messageID)

	task, err := envelope.DecodeTask(calls[0].body)
	require.NoError(t, err)
	assert.Equal(t, resp["task_id"], task.TaskID)
	assert.Equal(t, "name,value\nitem1,10\nitem2,20", task.CSVData)
}

func TestUploadSameContentSameSecondCollides(t *testing.T) {
	fx := newServerFixture(t)
	fx.server.now = func() time.Time { return time.Unix(1700000000, 0) }

	upload := func() string {
		body, contentType := multipartBody(t, "file", "data.csv", "name,value\nitem1,10")
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		fx.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp["task_id"]
	}

	// Identical content in the same second derives the same task id; the
	// duplicate is then suppressed downstream by the dedup histories.
	assert.Equal(t, upload(), upload())
}

func TestUploadMissingFile(t *testing.T) {
	fx := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fx.publisher.published())
}

func TestUploadEmptyFile(t *testing.T) {
	fx := newServerFixture(t)
	body, contentType := multipartBody(t, "file", "data.csv", "")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fx.publisher.published())
}

func TestUploadWrongMethod(t *testing.T) {
	fx := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/upload", nil)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUploadBrokerUnavailable(t *testing.T) {
	fx := newServerFixture(t)
	fx.publisher.err = errors.New("publish to csv_tasks: channel closed")
	body, contentType := multipartBody(t, "file", "data.csv", "name,value\nitem1,10")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDataEmpty(t *testing.T) {
	fx := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no data available yet", resp["error"])
}

func TestDataReturnsLatest(t *testing.T) {
	fx := newServerFixture(t)
	fx.agg.Handle(context.Background(), resultDelivery(t, "task-9", "worker-2"))

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	result, err := envelope.DecodeResult(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "task-9", result.TaskID)
	assert.Equal(t, "worker-2", result.WorkerID)
}

func TestHealth(t *testing.T) {
	fx := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func readEvent(t *testing.T, conn *websocket.Conn) fanout.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg fanout.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebsocketLateJoinerReceivesLatest(t *testing.T) {
	fx := newServerFixture(t)
	fx.agg.Handle(context.Background(), resultDelivery(t, "task-1", "worker-1"))

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)

	msg := readEvent(t, conn)
	assert.Equal(t, fanout.EventCSVUpdate, msg.Event)
}

func TestWebsocketRequestUpdate(t *testing.T) {
	fx := newServerFixture(t)
	fx.agg.Handle(context.Background(), resultDelivery(t, "task-1", "worker-1"))

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)

	// Drain the join replay first.
	first := readEvent(t, conn)
	require.Equal(t, fanout.EventCSVUpdate, first.Event)

	require.NoError(t, conn.WriteJSON(fanout.Message{Event: fanout.EventRequestUpdate}))

	ack := readEvent(t, conn)
	assert.Equal(t, fanout.EventRequestAcknowledged, ack.Event)

	update := readEvent(t, conn)
	assert.Equal(t, fanout.EventCSVUpdate, update.Event)
}

func TestWebsocketBroadcastOnNewResult(t *testing.T) {
	fx := newServerFixture(t)

	ts := httptest.NewServer(fx.server.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)

	// The handler registers the subscriber after the upgrade completes;
	// wait for it before producing the result.
	require.Eventually(t, func() bool { return fx.fan.Count() == 1 },
		2*time.Second, 5*time.Millisecond)

	fx.agg.Handle(context.Background(), resultDelivery(t, "task-7", "worker-3"))

	msg := readEvent(t, conn)
	assert.Equal(t, fanout.EventCSVUpdate, msg.Event)
}
