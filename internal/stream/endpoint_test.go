package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/reqwatch/internal/broadcast"
	"github.com/ParleSec/reqwatch/pkg/models"
)

func newTestEndpoint(t *testing.T, cfg Config) (*Endpoint, *broadcast.Hub, *httptest.Server) {
	t.Helper()
	hub := broadcast.NewHub(nil)
	e := NewEndpoint(cfg, hub, nil)
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)
	return e, hub, srv
}

func subscribe(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitForSubscribers(t *testing.T, hub *broadcast.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Count() == n }, 2*time.Second, 5*time.Millisecond)
}

// nextData returns the payload of the next data frame, skipping comments
func nextData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n")
		}
	}
}

func TestEventsDeliversSessionFrames(t *testing.T) {
	_, hub, srv := newTestEndpoint(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := subscribe(t, ctx, srv.URL+"/events?id=s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	waitForSubscribers(t, hub, 1)
	hub.Publish(models.CapturedCall{ID: "other", Method: "GET"}, "s2")
	hub.Publish(models.CapturedCall{ID: "mine", Method: "POST", Status: 201}, "s1")

	var call models.CapturedCall
	require.NoError(t, json.Unmarshal([]byte(nextData(t, bufio.NewReader(resp.Body))), &call))
	assert.Equal(t, "mine", call.ID)
	assert.Equal(t, 201, call.Status)
}

func TestEventsHeartbeat(t *testing.T) {
	_, _, srv := newTestEndpoint(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := subscribe(t, ctx, srv.URL+"/events?id=s1")
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": heartbeat\n", line)
}

func TestEventsEvictsPreviousSubscriber(t *testing.T) {
	_, hub, srv := newTestEndpoint(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := subscribe(t, ctx, srv.URL+"/events?id=s1")
	waitForSubscribers(t, hub, 1)
	second := subscribe(t, ctx, srv.URL+"/events?id=s1")

	// The first stream ends once its successor registers
	_, err := io.ReadAll(first.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Count())

	hub.Publish(models.CapturedCall{ID: "after"}, "s1")
	assert.Contains(t, nextData(t, bufio.NewReader(second.Body)), `"id":"after"`)
}

func TestSubscribeDisconnectRemovesSubscriber(t *testing.T) {
	_, hub, srv := newTestEndpoint(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	subscribe(t, ctx, srv.URL+"/events?id=s1")
	waitForSubscribers(t, hub, 1)

	cancel()
	waitForSubscribers(t, hub, 0)
}

func TestSubscribeValidation(t *testing.T) {
	_, _, srv := newTestEndpoint(t, Config{Token: "secret"})

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"missing token", http.MethodGet, "/events?id=s1", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/events?id=s1&token=nope", http.StatusUnauthorized},
		{"missing id", http.MethodGet, "/events?token=secret", http.StatusBadRequest},
		{"websocket missing token", http.MethodGet, "/ws?id=s1", http.StatusUnauthorized},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound},
		{"post to events", http.MethodPost, "/events?id=s1&token=secret", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestSubscribeAcceptsSecretAndSignedToken(t *testing.T) {
	e := NewEndpoint(Config{Token: "secret"}, broadcast.NewHub(nil), nil)

	signed, err := IssueToken("secret", "s1", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"raw secret", "id=s1&token=secret", http.StatusOK},
		{"signed for session", "id=s1&token=" + signed, http.StatusOK},
		{"signed for another session", "id=s2&token=" + signed, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A cancelled request returns as soon as the stream is open
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			req := httptest.NewRequest(http.MethodGet, "/events?"+tt.query, nil).WithContext(ctx)
			rec := httptest.NewRecorder()
			e.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestPreflight(t *testing.T) {
	_, _, srv := newTestEndpoint(t, Config{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	_, hub, srv := newTestEndpoint(t, Config{})
	hub.Register("s1", &subscriber{done: make(chan struct{})})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Subscribers int    `json:"subscribers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 1, body.Subscribers)
}

func TestSubscribeRateLimit(t *testing.T) {
	e := NewEndpoint(Config{SubscribeLimit: 1}, broadcast.NewHub(nil), nil)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestWebSocketDeliversFrames(t *testing.T) {
	_, hub, srv := newTestEndpoint(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForSubscribers(t, hub, 1)
	hub.Publish(models.CapturedCall{ID: "ws-call", Method: "GET", Status: 200}, "s1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var call models.CapturedCall
	require.NoError(t, json.Unmarshal(payload, &call))
	assert.Equal(t, "ws-call", call.ID)

	conn.Close()
	waitForSubscribers(t, hub, 0)
}

func TestStartPortInUseDisablesEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	e := NewEndpoint(Config{Port: ln.Addr().(*net.TCPAddr).Port}, broadcast.NewHub(nil), nil)
	require.NoError(t, e.Start())
	assert.False(t, e.Enabled())
	assert.Empty(t, e.Addr())
}

func TestStartDisabledWithoutPort(t *testing.T) {
	e := NewEndpoint(Config{}, broadcast.NewHub(nil), nil)
	require.NoError(t, e.Start())
	assert.False(t, e.Enabled())
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestStartServesAndShutsDownWithOpenStream(t *testing.T) {
	port := freePort(t)
	hub := broadcast.NewHub(nil)
	e := NewEndpoint(Config{Port: port}, hub, nil)
	require.NoError(t, e.Start())
	require.True(t, e.Enabled())
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), e.Addr())

	resp := subscribe(t, context.Background(), "http://"+e.Addr()+"/events?id=s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waitForSubscribers(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	assert.False(t, e.Enabled())
	waitForSubscribers(t, hub, 0)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
