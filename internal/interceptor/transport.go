// Package interceptor records outgoing HTTP calls by wrapping the
// http.RoundTripper that carries them. The wrapper never changes the
// outcome the caller sees: the response and error of the underlying round
// trip are returned unchanged, and bodies are captured without being
// consumed.
package interceptor

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ParleSec/reqwatch/internal/broadcast"
	"github.com/ParleSec/reqwatch/internal/capture"
	"github.com/ParleSec/reqwatch/internal/session"
	"github.com/ParleSec/reqwatch/pkg/models"
)

// Sink receives calls captured by a client-side transport
type Sink interface {
	Emit(models.CapturedCall)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(models.CapturedCall)

// Emit calls f(call)
func (f SinkFunc) Emit(call models.CapturedCall) { f(call) }

// Transport is a capturing http.RoundTripper
type Transport struct {
	// Base carries the real round trip. Nil means the uninstalled
	// http.DefaultTransport.
	Base http.RoundTripper

	origin   models.Origin
	textOnly bool
	active   func() bool
	deliver  func(ctx context.Context, call models.CapturedCall)
	logger   *slog.Logger
}

// NewClientTransport captures every call through base and hands it to sink.
// Response bodies of any content type are described.
func NewClientTransport(base http.RoundTripper, sink Sink) *Transport {
	return &Transport{
		Base:   base,
		origin: models.OriginClient,
		deliver: func(_ context.Context, call models.CapturedCall) {
			sink.Emit(call)
		},
		logger: slog.Default(),
	}
}

// NewServerTransport captures calls through base and publishes them to hub,
// attributed to the session found in the request context. While the hub
// has no subscribers the round trip is passed through untouched.
func NewServerTransport(base http.RoundTripper, hub *broadcast.Hub) *Transport {
	if hub == nil {
		hub = broadcast.Default()
	}
	return &Transport{
		Base:     base,
		origin:   models.OriginServer,
		textOnly: true,
		active:   func() bool { return hub.Count() > 0 },
		deliver: func(ctx context.Context, call models.CapturedCall) {
			sid, _ := session.FromContext(ctx)
			hub.Publish(call, sid)
		},
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used to report capture failures
func (t *Transport) WithLogger(logger *slog.Logger) *Transport {
	if logger != nil {
		t.logger = logger
	}
	return t
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return originalDefaultTransport()
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.active != nil && !t.active() {
		return t.base().RoundTrip(req)
	}

	start := time.Now()
	sent, requestBody := t.captureRequest(req)

	resp, err := t.base().RoundTrip(sent)

	t.record(req, start, requestBody, resp, err)
	return resp, err
}

// captureRequest prepares body capture; any failure falls back to sending
// req as is with no captured body.
func (t *Transport) captureRequest(req *http.Request) (sent *http.Request, body func() interface{}) {
	sent = req
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("request capture failed", "panic", r)
			sent, body = req, nil
		}
	}()
	return capture.RequestBody(req)
}

// record builds the call once response headers are in. The response body
// is captured as the caller reads it, and the call is delivered when that
// capture settles.
func (t *Transport) record(req *http.Request, start time.Time, requestBody func() interface{}, resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("call capture failed", "panic", r)
		}
	}()

	call := models.CapturedCall{
		ID:         uuid.NewString(),
		Method:     methodOf(req),
		URL:        capture.NormalizeTarget(req),
		Headers:    capture.ExtractHeaders(req.Header),
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  start,
		Origin:     t.origin,
	}
	ctx := req.Context()

	if err != nil || resp == nil {
		call.Error = "request failed"
		if err != nil && err.Error() != "" {
			call.Error = err.Error()
		}
		t.emit(ctx, call, requestBody, nil)
		return
	}

	call.Status = resp.StatusCode
	call.Success = models.IsSuccessStatus(resp.StatusCode)
	capture.ResponseBody(resp, t.textOnly, func(responseBody func() interface{}) {
		t.emit(ctx, call, requestBody, responseBody)
	})
}

// emit fills in the bodies and delivers call. It may run on the goroutine
// reading the response body, so nothing it does may reach the caller.
func (t *Transport) emit(ctx context.Context, call models.CapturedCall, requestBody, responseBody func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("call delivery failed", "panic", r)
		}
	}()
	if requestBody != nil {
		call.RequestBody = requestBody()
	}
	if responseBody != nil {
		call.ResponseBody = responseBody()
	}
	t.deliver(ctx, call)
}

func methodOf(req *http.Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(req.Method)
}

// WrapClient installs a client-side capturing transport on c and returns a
// function that restores the previous one. A client that already carries a
// capturing transport is left alone.
func WrapClient(c *http.Client, sink Sink) (restore func()) {
	if _, ok := c.Transport.(*Transport); ok {
		return func() {}
	}
	original := c.Transport
	c.Transport = NewClientTransport(original, sink)
	return func() {
		c.Transport = original
	}
}
