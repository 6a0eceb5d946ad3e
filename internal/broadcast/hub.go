package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ParleSec/reqwatch/pkg/models"
)

// ErrClosed is returned by a Conn that can no longer deliver frames
var ErrClosed = errors.New("subscriber connection closed")

// Conn is a live observer attachment. Implementations must be comparable
// (pointer types) and Close must be idempotent and non-blocking.
type Conn interface {
	// Send queues one serialized event for delivery
	Send(payload []byte) error
	Close() error
}

// Hub routes captured calls to the observers registered for their session.
// At most one connection is held per non-empty session identity; observers
// registered without an identity only receive session-less events.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]Conn
	anonymous map[Conn]struct{}
	count     atomic.Int64
	logger    *slog.Logger
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:  make(map[string]Conn),
		anonymous: make(map[Conn]struct{}),
		logger:    logger,
	}
}

var (
	defaultOnce sync.Once
	defaultHub  *Hub
)

// Default returns the process-wide hub shared by the interceptor and the
// stream endpoint. It is created on first use and never replaced.
func Default() *Hub {
	defaultOnce.Do(func() {
		defaultHub = NewHub(nil)
	})
	return defaultHub
}

// Register stores conn under sessionID. A previous connection for the same
// identity is closed before the new one is stored.
func (h *Hub) Register(sessionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionID == "" {
		h.anonymous[conn] = struct{}{}
		h.updateCountLocked()
		return
	}

	if old, exists := h.sessions[sessionID]; exists && old != conn {
		old.Close()
		h.logger.Debug("replaced stale subscriber", "session", sessionID)
	}
	h.sessions[sessionID] = conn
	h.updateCountLocked()
}

// Remove deletes conn only if it is still the connection stored for
// sessionID, so a late-closing old connection cannot evict its successor.
func (h *Hub) Remove(sessionID string, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionID == "" {
		if _, ok := h.anonymous[conn]; !ok {
			return false
		}
		delete(h.anonymous, conn)
		h.updateCountLocked()
		return true
	}

	if cur, exists := h.sessions[sessionID]; !exists || cur != conn {
		return false
	}
	delete(h.sessions, sessionID)
	h.updateCountLocked()
	return true
}

// Count returns the number of registered connections. It never blocks, so
// callers may use it on hot paths.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Publish delivers call to the connection registered for sessionID, or to
// every registered connection when sessionID is empty. Connections that
// fail to accept the frame are removed and closed; failures never reach
// the caller.
func (h *Hub) Publish(call models.CapturedCall, sessionID string) {
	if h.Count() == 0 {
		return
	}
	payload, err := json.Marshal(call)
	if err != nil {
		h.logger.Debug("failed to encode captured call", "id", call.ID, "error", err)
		return
	}

	if sessionID != "" {
		h.mu.RLock()
		conn, ok := h.sessions[sessionID]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := conn.Send(payload); err != nil {
			h.drop(sessionID, conn, err)
		}
		return
	}

	for _, t := range h.snapshot() {
		if err := t.conn.Send(payload); err != nil {
			h.drop(t.sessionID, t.conn, err)
		}
	}
}

type target struct {
	sessionID string
	conn      Conn
}

func (h *Hub) snapshot() []target {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make([]target, 0, len(h.sessions)+len(h.anonymous))
	for id, conn := range h.sessions {
		targets = append(targets, target{sessionID: id, conn: conn})
	}
	for conn := range h.anonymous {
		targets = append(targets, target{conn: conn})
	}
	return targets
}

func (h *Hub) drop(sessionID string, conn Conn, err error) {
	if h.Remove(sessionID, conn) {
		h.logger.Debug("removed broken subscriber", "session", sessionID, "error", err)
	}
	conn.Close()
}

func (h *Hub) updateCountLocked() {
	h.count.Store(int64(len(h.sessions) + len(h.anonymous)))
}
