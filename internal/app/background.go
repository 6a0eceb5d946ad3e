package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Poller periodically calls a URL outside of any request, so its calls
// carry no session and reach every observer.
type Poller struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// Run polls until ctx is done. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	if p.URL == "" || p.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll makes a single call
func (p *Poller) Poll(ctx context.Context) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		logger.Warn("background job misconfigured", "url", p.URL, "error", err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("background poll failed", "url", p.URL, "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	logger.Debug("background poll", "url", p.URL, "status", resp.StatusCode)
}
