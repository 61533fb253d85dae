package fanout

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSubscriberClosed is returned by Send after the connection is closed.
var ErrSubscriberClosed = errors.New("fanout: subscriber closed")

// ErrSendBufferFull is returned when a subscriber's outbound buffer is
// full. The delivery loop treats it like any other failed send: logged,
// other subscribers unaffected.
var ErrSendBufferFull = errors.New("fanout: send buffer full")

// Message is the JSON frame sent to websocket subscribers.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// WSSubscriber adapts a websocket connection to the Subscriber interface.
// Sends are buffered and written by a single WritePump goroutine, so a
// stalled connection fails fast instead of blocking the delivery loop.
type WSSubscriber struct {
	id   string
	conn *websocket.Conn
	out  chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSSubscriber wraps conn with a fresh subscriber identity.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{
		id:     uuid.NewString(),
		conn:   conn,
		out:    make(chan Message, 32),
		closed: make(chan struct{}),
	}
}

// ID implements Subscriber.
func (s *WSSubscriber) ID() string {
	return s.id
}

// Send implements Subscriber. It never blocks: a full buffer is an error.
func (s *WSSubscriber) Send(event string, payload any) error {
	select {
	case <-s.closed:
		return ErrSubscriberClosed
	default:
	}

	select {
	case s.out <- Message{Event: event, Data: payload}:
		return nil
	case <-s.closed:
		return ErrSubscriberClosed
	default:
		return ErrSendBufferFull
	}
}

// WritePump writes buffered messages to the connection until the
// connection fails or the subscriber is closed. Run it in its own
// goroutine, one per connection.
func (s *WSSubscriber) WritePump() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.out:
			if err := s.conn.WriteJSON(msg); err != nil {
				s.Close()
				return
			}
		}
	}
}

// NextEvent blocks until the client sends a frame and returns its event
// name. It returns an error when the connection closes.
func (s *WSSubscriber) NextEvent() (string, error) {
	var msg Message
	if err := s.conn.ReadJSON(&msg); err != nil {
		return "", err
	}
	return msg.Event, nil
}

// Close tears the connection down. Safe to call more than once.
func (s *WSSubscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}
