// Command tail prints captured calls from a running host as they happen.
//
// With -app it first obtains a session from the host (the same cookie a
// browser would hold), so only calls made for that session are shown, plus
// session-less background calls. -probe asks the host to fetch a URL on
// behalf of that session; the probe request itself is captured client-side.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ParleSec/reqwatch/internal/core"
	"github.com/ParleSec/reqwatch/internal/feed"
	"github.com/ParleSec/reqwatch/internal/interceptor"
	"github.com/ParleSec/reqwatch/internal/session"
	"github.com/ParleSec/reqwatch/internal/streamclient"
	"github.com/ParleSec/reqwatch/pkg/models"
)

func main() {
	cfg, err := core.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		streamURL = flag.String("url", cfg.ServerURL, "absolute subscribe URL (overrides -port)")
		port      = flag.Int("port", cfg.Port, "loopback port of the event stream")
		token     = flag.String("token", cfg.Token, "stream token")
		sessionID = flag.String("id", "", "session identity to subscribe as")
		appURL    = flag.String("app", "", "base URL of the host application")
		probe     = flag.String("probe", "", "URL the host should fetch once connected (requires -app)")
		maxLogs   = flag.Int("max", cfg.MaxLogs, "calls kept in memory")
		curl      = flag.Bool("curl", false, "print a curl command for each call")
		debug     = flag.Bool("debug", cfg.Debug, "debug logging")
	)
	flag.Parse()

	cfg.Debug = *debug
	logger := core.NewLogger(cfg)

	jar, _ := cookiejar.New(nil)
	httpClient := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	calls := feed.New(*maxLogs)
	bus := feed.NewBus(logger)
	bus.On(calls.OnEvent)
	bus.On(func(call models.CapturedCall) { printCall(os.Stdout, call, *curl) })

	// Requests this tool makes are captured locally
	defer interceptor.WrapClient(httpClient, bus)()

	var appBase *url.URL
	if *appURL != "" {
		appBase, err = url.Parse(*appURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -app url: %v\n", err)
			os.Exit(2)
		}
		if *sessionID == "" {
			*sessionID = session.EnsureClient(jar, appBase)
		}
	}
	if *sessionID == "" {
		*sessionID = session.NewID()
	}

	client, err := streamclient.New(streamclient.Config{
		URL:       *streamURL,
		Port:      *port,
		SessionID: *sessionID,
		Token:     *token,
		Logger:    logger,
	}, bus.Emit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot subscribe: %v\n", err)
		os.Exit(1)
	}
	client.Start()
	defer client.Close()

	logger.Info("tailing", "url", client.URL(), "session", *sessionID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *probe != "" {
		if appBase == nil {
			fmt.Fprintln(os.Stderr, "-probe requires -app")
			os.Exit(2)
		}
		go runProbe(ctx, httpClient, client, appBase, *probe, logger)
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
		logger.Warn("event stream unavailable")
	}

	fmt.Fprintf(os.Stderr, "%d calls captured\n", calls.Len())
}

// runProbe waits for the stream to open, then asks the host to fetch target
func runProbe(ctx context.Context, hc *http.Client, sc *streamclient.Client, appBase *url.URL, target string, logger *slog.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !sc.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-sc.Done():
			return
		case <-ticker.C:
		}
	}

	u := appBase.JoinPath("/api/fetch")
	u.RawQuery = url.Values{"url": {target}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		logger.Warn("probe failed", "error", err)
		return
	}
	resp, err := hc.Do(req)
	if err != nil {
		logger.Warn("probe failed", "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func printCall(w io.Writer, call models.CapturedCall, withCurl bool) {
	status := fmt.Sprint(call.Status)
	if call.Failed() {
		status = "ERR " + call.Error
	}
	fmt.Fprintf(w, "%s [%s] %s %s %s %dms\n",
		call.Timestamp.Local().Format("15:04:05.000"),
		call.Origin, call.Method, call.URL, status, call.DurationMs)
	if withCurl {
		fmt.Fprintln(w, call.Curl())
	}
}
