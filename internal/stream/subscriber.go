package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ParleSec/reqwatch/internal/broadcast"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// frameWriter puts frames on one transport. Calls come from a single goroutine.
type frameWriter interface {
	writeEvent(payload []byte) error
	writeHeartbeat() error
}

// subscriber is the hub-facing side of one observer connection. Frames are
// queued by Send and written by run, which owns the underlying transport.
type subscriber struct {
	sessionID string
	writer    frameWriter
	heartbeat time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(sessionID string, w frameWriter, heartbeat time.Duration) *subscriber {
	return &subscriber{
		sessionID: sessionID,
		writer:    w,
		heartbeat: heartbeat,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// Send queues payload. A full buffer drops the frame.
func (s *subscriber) Send(payload []byte) error {
	select {
	case <-s.done:
		return broadcast.ErrClosed
	default:
	}

	select {
	case s.send <- payload:
	default:
	}
	return nil
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// run writes queued frames and heartbeats until ctx ends, the subscriber is
// closed, or a write fails.
func (s *subscriber) run(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case payload := <-s.send:
			if err := s.writer.writeEvent(payload); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.writer.writeHeartbeat(); err != nil {
				return err
			}
		}
	}
}

// sseWriter frames events as text/event-stream
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseWriter) writeEvent(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// wsWriter sends each event as one text message and heartbeats as pings
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) writeEvent(payload []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsWriter) writeHeartbeat() error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}
