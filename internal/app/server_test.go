package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/reqwatch/internal/broadcast"
	"github.com/ParleSec/reqwatch/internal/core"
	"github.com/ParleSec/reqwatch/internal/interceptor"
	"github.com/ParleSec/reqwatch/internal/session"
	"github.com/ParleSec/reqwatch/internal/stream"
	"github.com/ParleSec/reqwatch/pkg/models"
)

type observer struct {
	mu    sync.Mutex
	calls []models.CapturedCall
}

func (o *observer) Send(payload []byte) error {
	var call models.CapturedCall
	if err := json.Unmarshal(payload, &call); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call)
	return nil
}

func (o *observer) Close() error { return nil }

func (o *observer) received() []models.CapturedCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.CapturedCall(nil), o.calls...)
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestServer wires a demo server whose outbound client publishes to hub
func newTestServer(t *testing.T, cfg *core.Config) (*Server, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(nil)
	client := &http.Client{Transport: interceptor.NewServerTransport(http.DefaultTransport, hub)}
	return NewServer(cfg, hub, client, nil), hub
}

func TestIndexIssuesSessionAndStreamURL(t *testing.T) {
	cfg := core.DefaultConfig()
	s, _ := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, cookies[0].Value, body["session"])
	assert.Equal(t, "http://127.0.0.1:4819/events?id="+cookies[0].Value, body["stream"])

	// A returning visitor keeps its identity
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Empty(t, rec.Result().Cookies())
}

func TestIndexSignsStreamToken(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Token = "secret"
	s, _ := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body struct {
		Session string `json:"session"`
		Stream  string `json:"stream"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	u, err := url.Parse(body.Stream)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)
	assert.NotEqual(t, "secret", token)
	assert.NoError(t, stream.ValidateToken("secret", token, body.Session))
}

func TestIndexWithoutStream(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Port = 0
	s, _ := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "stream")
}

func TestFetchIsAttributedToCallerSession(t *testing.T) {
	up := upstream(t)
	s, hub := newTestServer(t, core.DefaultConfig())

	mine, other := &observer{}, &observer{}
	hub.Register("s1", mine)
	hub.Register("s2", other)

	req := httptest.NewRequest(http.MethodGet, "/api/fetch?url="+url.QueryEscape(up.URL+"/orders"), nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "s1"})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status int   `json:"status"`
		Bytes  int64 `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 200, body.Status)
	assert.Equal(t, int64(len(`{"path":"/orders"}`)), body.Bytes)

	calls := mine.received()
	require.Len(t, calls, 1)
	assert.Equal(t, up.URL+"/orders", calls[0].URL)
	assert.Equal(t, map[string]interface{}{"path": "/orders"}, calls[0].ResponseBody)
	assert.Empty(t, other.received())
}

func TestFetchRejectsBadTargets(t *testing.T) {
	s, _ := newTestServer(t, core.DefaultConfig())

	for _, target := range []string{"", "ftp://example.com/x", "/relative", "http://"} {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fetch?url="+url.QueryEscape(target), nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestFetchUpstreamFailure(t *testing.T) {
	s, hub := newTestServer(t, core.DefaultConfig())
	watcher := &observer{}
	hub.Register("s1", watcher)

	req := httptest.NewRequest(http.MethodGet, "/api/fetch?url="+url.QueryEscape("http://127.0.0.1:1/down"), nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "s1"})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	calls := watcher.received()
	require.Len(t, calls, 1)
	assert.Equal(t, 0, calls[0].Status)
	assert.NotEmpty(t, calls[0].Error)
}

func TestPollerBroadcastsToEveryone(t *testing.T) {
	up := upstream(t)
	hub := broadcast.NewHub(nil)
	a, b := &observer{}, &observer{}
	hub.Register("a", a)
	hub.Register("b", b)

	p := &Poller{
		URL:      up.URL + "/tick",
		Interval: time.Hour,
		Client:   &http.Client{Transport: interceptor.NewServerTransport(http.DefaultTransport, hub)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(a.received()) == 1 && len(b.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, up.URL+"/tick", a.received()[0].URL)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPollerDisabledWithoutURL(t *testing.T) {
	p := &Poller{Interval: time.Millisecond}
	p.Run(context.Background())
}

func TestBootstrapInstallsCapture(t *testing.T) {
	t.Setenv("REQWATCH_PORT", "0")
	t.Setenv("REQWATCH_DEBUG", "true")

	result, err := Bootstrap(BootstrapOptions{EnableCapture: true})
	require.NoError(t, err)
	t.Cleanup(func() { result.Installation.Uninstall(context.Background()) })

	assert.Equal(t, 0, result.Config.Port)
	assert.True(t, result.Config.Debug)
	assert.Same(t, broadcast.Default(), result.Hub)
	require.NotNil(t, result.Installation)
	assert.False(t, result.Installation.Endpoint().Enabled())
	assert.True(t, interceptor.Installed())
}
