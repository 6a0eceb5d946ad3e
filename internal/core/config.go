package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = 4819
	DefaultMaxLogs           = 100
	DefaultHeartbeatInterval = 30 * time.Second
)

// Config holds the application configuration
type Config struct {
	// Environment (development, production)
	Environment string `yaml:"environment"`

	// Loopback port of the event stream endpoint; 0 disables it
	Port int `yaml:"port"`

	// Optional shared secret required from subscribers
	Token string `yaml:"token"`

	// Absolute subscribe URL used instead of the loopback port (production)
	ServerURL string `yaml:"server_url"`

	// Maximum number of captured calls kept by a feed
	MaxLogs int `yaml:"max_logs"`

	// Interval between heartbeat frames on idle subscriber connections
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Subscribe attempts allowed per remote address per minute; 0 disables limiting
	SubscribeLimit int `yaml:"subscribe_limit"`

	// Listen address of the demo host application
	AppListenAddr string `yaml:"app_addr"`

	// Target and period of the demo background job
	BackgroundURL      string        `yaml:"background_url"`
	BackgroundInterval time.Duration `yaml:"background_interval"`

	// Enable debug logging
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Environment:        "development",
		Port:               DefaultPort,
		MaxLogs:            DefaultMaxLogs,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		SubscribeLimit:     60,
		AppListenAddr:      ":8080",
		BackgroundInterval: time.Minute,
	}
}

// LoadConfig loads configuration from an optional YAML file named by
// REQWATCH_CONFIG, then applies environment variables on top.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("REQWATCH_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// LoadFile overlays values from a YAML file onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("REQWATCH_ENV", c.Environment)
	c.Port = getEnvInt("REQWATCH_PORT", c.Port)
	c.Token = getEnv("REQWATCH_TOKEN", c.Token)
	c.ServerURL = getEnv("REQWATCH_SERVER_URL", c.ServerURL)
	c.MaxLogs = getEnvInt("REQWATCH_MAX_LOGS", c.MaxLogs)
	c.HeartbeatInterval = getEnvDuration("REQWATCH_HEARTBEAT", c.HeartbeatInterval)
	c.SubscribeLimit = getEnvInt("REQWATCH_SUBSCRIBE_LIMIT", c.SubscribeLimit)
	c.AppListenAddr = getEnv("REQWATCH_APP_ADDR", c.AppListenAddr)
	c.BackgroundURL = getEnv("REQWATCH_BACKGROUND_URL", c.BackgroundURL)
	c.BackgroundInterval = getEnvDuration("REQWATCH_BACKGROUND_INTERVAL", c.BackgroundInterval)
	c.Debug = getEnvBool("REQWATCH_DEBUG", c.Debug)
}

func (c *Config) normalize() {
	if c.Port < 0 {
		c.Port = 0
	}
	if c.MaxLogs <= 0 {
		c.MaxLogs = DefaultMaxLogs
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BackgroundInterval <= 0 {
		c.BackgroundInterval = time.Minute
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// StreamURL returns the subscribe URL observers should use
func (c *Config) StreamURL() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	if c.Port == 0 {
		return ""
	}
	return "http://127.0.0.1:" + strconv.Itoa(c.Port) + "/events"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
