// Package streamclient subscribes to an event stream endpoint and forwards
// the captured calls it receives to a handler, reconnecting with linear
// backoff when the stream drops.
package streamclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ParleSec/reqwatch/pkg/models"
)

const (
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxRetries = 5

	maxFrameSize = 1 << 20
)

// ErrDisabled is returned by New when neither a URL nor a port is configured
var ErrDisabled = errors.New("event stream not configured")

// State is the connection state of a Client
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config configures a Client
type Config struct {
	// Absolute subscribe URL; overrides Port
	URL string
	// Loopback port of the endpoint, used when URL is empty
	Port int
	// Session identity and optional token sent as query parameters
	SessionID string
	Token     string

	// Retry n waits n*BaseDelay; after MaxRetries consecutive failures the
	// client gives up
	BaseDelay  time.Duration
	MaxRetries int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Handler receives each captured call read from the stream
type Handler func(models.CapturedCall)

// Client is a reconnecting subscriber
type Client struct {
	cfg     Config
	url     string
	handler Handler
	logger  *slog.Logger

	state    atomic.Int32
	attempts atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New creates a client for cfg. It does not connect until Start.
func New(cfg Config, handler Handler) (*Client, error) {
	target, err := subscribeURL(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HTTPClient == nil {
		// No timeout: the stream is long-lived
		cfg.HTTPClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		url:     target,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateClosed))
	return c, nil
}

func subscribeURL(cfg Config) (string, error) {
	base := cfg.URL
	if base == "" {
		if cfg.Port == 0 {
			return "", ErrDisabled
		}
		base = "http://127.0.0.1:" + strconv.Itoa(cfg.Port) + "/events"
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", base, err)
	}
	q := u.Query()
	if cfg.SessionID != "" {
		q.Set("id", cfg.SessionID)
	}
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// URL returns the subscribe URL including query parameters
func (c *Client) URL() string {
	return c.url
}

// Start begins connecting in the background. Later calls do nothing.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Close cancels any pending retry, closes the open stream and waits for the
// background loop to exit.
func (c *Client) Close() error {
	c.once.Do(c.cancel)
	if c.started.Load() {
		<-c.done
	}
	c.setState(StateClosed)
	return nil
}

// Done is closed when the client stops for good, either on Close or after
// giving up.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connected reports whether the stream is open
func (c *Client) Connected() bool {
	return c.State() == StateOpen
}

// Attempts returns the number of connection attempts made so far
func (c *Client) Attempts() int {
	return int(c.attempts.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) run() {
	defer close(c.done)

	retries := 0
	for {
		c.setState(StateConnecting)
		err := c.connect(&retries)
		c.setState(StateClosed)

		if c.ctx.Err() != nil {
			return
		}

		retries++
		if retries > c.cfg.MaxRetries {
			c.logger.Debug("event stream unavailable, giving up", "url", c.url, "error", err)
			return
		}

		delay := time.Duration(retries) * c.cfg.BaseDelay
		c.logger.Debug("event stream disconnected", "error", err, "retry", retries, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect opens one stream and reads it until it ends. Reaching the open
// state resets retries.
func (c *Client) connect(retries *int) error {
	c.attempts.Add(1)

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	*retries = 0
	c.setState(StateOpen)
	c.logger.Debug("event stream connected", "url", c.url)

	return c.read(bufio.NewScanner(resp.Body))
}

// read parses text/event-stream frames. Comment lines are ignored, data
// lines accumulate and a blank line dispatches the frame.
func (c *Client) read(scanner *bufio.Scanner) error {
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				c.dispatch(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream ended")
}

func (c *Client) dispatch(payload string) {
	var call models.CapturedCall
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return
	}
	call.Origin = models.OriginServer

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("stream handler panicked", "id", call.ID, "panic", r)
		}
	}()
	c.handler(call)
}
