// Package app is a small host application used to demonstrate capture: it
// issues session cookies, makes outbound calls on behalf of a session and
// runs an optional background job.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ParleSec/reqwatch/internal/broadcast"
	"github.com/ParleSec/reqwatch/internal/core"
	"github.com/ParleSec/reqwatch/internal/session"
	"github.com/ParleSec/reqwatch/internal/stream"
)

const (
	fetchLimit = 1 << 20
	tokenTTL   = time.Hour
)

// Server is the demo host application
type Server struct {
	config *core.Config
	hub    *broadcast.Hub
	client *http.Client
	logger *slog.Logger
	router chi.Router
}

// NewServer creates a server. Outbound calls go through client, which
// should use http.DefaultTransport so installed capture sees them.
func NewServer(cfg *core.Config, hub *broadcast.Hub, client *http.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	s := &Server{
		config: cfg,
		hub:    hub,
		client: client,
		logger: logger,
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(core.Recovery)
	r.Use(core.RequestLogger(s.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(session.Middleware)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/fetch", s.handleFetch)
	})

	s.router = r
}

// handleIndex issues the session cookie and tells the caller where to subscribe
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sid := session.Issue(w, r)

	resp := map[string]interface{}{
		"session":     sid,
		"subscribers": s.hub.Count(),
	}

	if base := s.config.StreamURL(); base != "" {
		token := s.config.Token
		if token != "" {
			signed, err := stream.IssueToken(s.config.Token, sid, tokenTTL)
			if err != nil {
				core.WriteError(w, http.StatusInternalServerError, "failed to issue stream token")
				return
			}
			token = signed
		}
		subscribe, err := subscribeURL(base, sid, token)
		if err != nil {
			core.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["stream"] = subscribe
	}

	core.WriteJSON(w, http.StatusOK, resp)
}

func subscribeURL(base, sid, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("id", sid)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handleFetch calls the given URL on behalf of the caller's session
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		core.WriteError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		core.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		core.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, fetchLimit))
	if err != nil {
		core.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"url":        u.String(),
		"status":     resp.StatusCode,
		"bytes":      n,
		"durationMs": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
