package interceptor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ParleSec/reqwatch/internal/broadcast"
	"github.com/ParleSec/reqwatch/internal/stream"
)

// Options configures Install
type Options struct {
	// Hub receives captured calls; nil uses broadcast.Default()
	Hub *broadcast.Hub
	// Stream configures the loopback event stream endpoint
	Stream stream.Config
	Logger *slog.Logger
}

// Installation is the process-wide patch of http.DefaultTransport
type Installation struct {
	original  http.RoundTripper
	transport *Transport
	endpoint  *stream.Endpoint
	hub       *broadcast.Hub
	logger    *slog.Logger
}

var (
	installMu sync.Mutex
	installed *Installation

	// installedBase is what the active installation wraps; read lock-free
	// by every nil-Base Transport.
	installedBase atomic.Pointer[baseTransport]
)

type baseTransport struct {
	rt http.RoundTripper
}

// Install replaces http.DefaultTransport with a server-side capturing
// transport and starts the event stream endpoint. Repeated calls return
// the existing installation without patching again.
func Install(opts Options) (*Installation, error) {
	installMu.Lock()
	defer installMu.Unlock()

	if installed != nil {
		return installed, nil
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = broadcast.Default()
	}

	endpoint := stream.NewEndpoint(opts.Stream, hub, logger)
	if err := endpoint.Start(); err != nil {
		return nil, err
	}

	original := http.DefaultTransport
	if existing, ok := original.(*Transport); ok {
		// Patched outside Install; wrap what it wraps rather than nesting
		original = existing.Base
		if original == nil {
			original = fallbackTransport()
		}
	}
	transport := NewServerTransport(original, hub).WithLogger(logger)
	http.DefaultTransport = transport
	installedBase.Store(&baseTransport{rt: original})

	installed = &Installation{
		original:  original,
		transport: transport,
		endpoint:  endpoint,
		hub:       hub,
		logger:    logger,
	}
	logger.Info("http capture installed", "stream", endpoint.Enabled())
	return installed, nil
}

// Installed reports whether a capture installation is active
func Installed() bool {
	installMu.Lock()
	defer installMu.Unlock()
	return installed != nil
}

// Uninstall restores http.DefaultTransport and stops the endpoint
func (i *Installation) Uninstall(ctx context.Context) error {
	installMu.Lock()
	if installed != i {
		installMu.Unlock()
		return nil
	}
	if http.DefaultTransport == http.RoundTripper(i.transport) {
		http.DefaultTransport = i.original
	}
	installed = nil
	installedBase.Store(nil)
	installMu.Unlock()

	i.logger.Info("http capture uninstalled")
	return i.endpoint.Shutdown(ctx)
}

// Endpoint returns the event stream endpoint of the installation
func (i *Installation) Endpoint() *stream.Endpoint {
	return i.endpoint
}

// Hub returns the hub captured calls are published to
func (i *Installation) Hub() *broadcast.Hub {
	return i.hub
}

// Transport returns the capturing transport now in http.DefaultTransport
func (i *Installation) Transport() *Transport {
	return i.transport
}

// originalDefaultTransport returns http.DefaultTransport as it was before
// Install, so transports with a nil Base never capture twice.
func originalDefaultTransport() http.RoundTripper {
	if b := installedBase.Load(); b != nil {
		return b.rt
	}
	if t, ok := http.DefaultTransport.(*Transport); ok {
		if t.Base != nil {
			return t.Base
		}
		return fallbackTransport()
	}
	return http.DefaultTransport
}

var fallbackTransport = sync.OnceValue(func() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
})
