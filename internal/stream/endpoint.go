// Package stream serves captured calls to observers over Server-Sent Events
// and WebSocket. The endpoint binds to the loopback interface only.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/ParleSec/reqwatch/internal/broadcast"
	"github.com/ParleSec/reqwatch/internal/core"
)

const (
	loopbackHost = "127.0.0.1"

	// DefaultHeartbeatInterval applies when Config.HeartbeatInterval is unset
	DefaultHeartbeatInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Loopback only; the token gates access
		return true
	},
}

// Config configures an Endpoint
type Config struct {
	// Loopback port to bind; 0 leaves the endpoint disabled
	Port int
	// Shared secret subscribers must present; empty disables the check
	Token string
	// Interval between heartbeats on idle connections
	HeartbeatInterval time.Duration
	// Subscribe attempts allowed per client host per minute; 0 is unlimited
	SubscribeLimit int
}

// Endpoint is the observer-facing HTTP server
type Endpoint struct {
	cfg    Config
	hub    *broadcast.Hub
	logger *slog.Logger
	router chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// NewEndpoint creates an endpoint that registers subscribers with hub
func NewEndpoint(cfg Config, hub *broadcast.Hub, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = broadcast.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	e := &Endpoint{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
	}
	e.router = e.routes()
	return e
}

func (e *Endpoint) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(core.Recovery)
	r.Use(core.RequestLogger(e.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "OPTIONS"},
		AllowedHeaders:     []string{"*"},
		OptionsPassthrough: true,
		MaxAge:             300,
	}))
	r.Use(preflight)

	limiter := core.NewRateLimiter(e.cfg.SubscribeLimit, time.Minute)

	r.With(limiter.Limit).Get("/events", e.handleEvents)
	r.With(limiter.Limit).Get("/ws", e.handleWebSocket)
	r.Get("/health", e.handleHealth)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})

	return r
}

// preflight answers every OPTIONS request with 204 once CORS headers are set
func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the endpoint's router
func (e *Endpoint) Handler() http.Handler {
	return e.router
}

// Start binds the loopback port and serves in the background. A port that is
// already taken disables the endpoint with a warning instead of failing.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server != nil {
		return nil
	}
	if e.cfg.Port == 0 {
		e.logger.Info("event stream disabled")
		return nil
	}

	addr := net.JoinHostPort(loopbackHost, strconv.Itoa(e.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			e.logger.Warn("event stream port in use, server-side capture will not be observable", "addr", addr)
			return nil
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           e.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	// Long-lived subscriptions never go idle; end them so Shutdown can finish
	srv.RegisterOnShutdown(cancel)

	e.server = srv
	e.listener = ln
	e.cancel = cancel

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("event stream server failed", "error", err)
		}
	}()

	e.logger.Info("event stream listening", "url", "http://"+ln.Addr().String()+"/events")
	return nil
}

// Enabled reports whether the endpoint is bound and serving
func (e *Endpoint) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server != nil
}

// Addr returns the bound address, or "" when disabled
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Shutdown closes all subscriber connections and stops the server
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	srv, cancel := e.server, e.cancel
	e.server, e.listener, e.cancel = nil, nil, nil
	e.mu.Unlock()

	if srv == nil {
		return nil
	}
	defer cancel()
	return srv.Shutdown(ctx)
}

// admit validates the subscribe request and returns its session identity
func (e *Endpoint) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	q := r.URL.Query()
	sessionID := q.Get("id")

	if err := ValidateToken(e.cfg.Token, q.Get("token"), sessionID); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if sessionID == "" {
		http.Error(w, "Missing session id", http.StatusBadRequest)
		return "", false
	}
	return sessionID, true
}

func (e *Endpoint) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := e.admit(w, r)
	if !ok {
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		e.logger.Warn("event stream cannot flush", "error", err)
		return
	}

	e.serve(r.Context(), sessionID, &sseWriter{w: w, rc: rc})
}

func (e *Endpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := e.admit(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel, 2*e.cfg.HeartbeatInterval)

	e.serve(ctx, sessionID, &wsWriter{conn: conn})

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// readPump discards inbound messages and cancels when the peer goes away
func readPump(conn *websocket.Conn, cancel context.CancelFunc, pongWait time.Duration) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (e *Endpoint) serve(ctx context.Context, sessionID string, w frameWriter) {
	sub := newSubscriber(sessionID, w, e.cfg.HeartbeatInterval)
	e.hub.Register(sessionID, sub)
	e.logger.Debug("subscriber connected", "session", sessionID, "subscribers", e.hub.Count())

	err := sub.run(ctx)

	sub.Close()
	e.hub.Remove(sessionID, sub)
	e.logger.Debug("subscriber disconnected", "session", sessionID, "error", err)
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"subscribers": e.hub.Count(),
	})
}
