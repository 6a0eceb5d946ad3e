package app

import (
	"fmt"
	"log/slog"

	"github.com/ParleSec/reqwatch/internal/broadcast"
	"github.com/ParleSec/reqwatch/internal/core"
	"github.com/ParleSec/reqwatch/internal/interceptor"
	"github.com/ParleSec/reqwatch/internal/stream"
)

// BootstrapOptions controls which shared dependencies are initialized.
type BootstrapOptions struct {
	// EnableCapture installs the server-side interceptor and event stream
	EnableCapture bool
}

// BootstrapResult holds initialized dependencies.
type BootstrapResult struct {
	Config       *core.Config
	Logger       *slog.Logger
	Hub          *broadcast.Hub
	Installation *interceptor.Installation
}

// Bootstrap loads configuration, sets up logging and, when enabled,
// installs capture on http.DefaultTransport.
func Bootstrap(opts BootstrapOptions) (*BootstrapResult, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := core.NewLogger(cfg)
	slog.SetDefault(logger)

	result := &BootstrapResult{
		Config: cfg,
		Logger: logger,
		Hub:    broadcast.Default(),
	}

	if opts.EnableCapture {
		inst, err := interceptor.Install(interceptor.Options{
			Hub:    result.Hub,
			Stream: StreamConfig(cfg),
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to install capture: %w", err)
		}
		result.Installation = inst
	}

	return result, nil
}

// StreamConfig maps application configuration onto the endpoint's
func StreamConfig(cfg *core.Config) stream.Config {
	return stream.Config{
		Port:              cfg.Port,
		Token:             cfg.Token,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SubscribeLimit:    cfg.SubscribeLimit,
	}
}
