// Package config holds all configuration types and loading logic for
// AgentHub. Config structure never shrinks: fields are only added, never
// renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sneh-joshi/agenthub/internal/hub"
	"github.com/sneh-joshi/agenthub/internal/priority"
	"github.com/sneh-joshi/agenthub/internal/queue"
	"github.com/sneh-joshi/agenthub/internal/types"
)

// Config is the root configuration for an AgentHub server instance.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Hub         HubConfig         `yaml:"hub"`
	Priority    PriorityConfig    `yaml:"priority"`
	Inheritance InheritanceConfig `yaml:"inheritance"`
	Fairness    FairnessConfig    `yaml:"fairness"`
	Rules       RulesConfig       `yaml:"rules"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Log         LogConfig         `yaml:"log"`
}

// NodeConfig holds identity settings for this hub.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RateLimit is requests per second per client IP. 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`
	// MaxBodyKB caps request bodies.
	MaxBodyKB       int           `yaml:"max_body_kb"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// HubConfig tunes delivery and request-reply.
type HubConfig struct {
	MaxQueueDepth  int           `yaml:"max_queue_depth"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReplyGrace     time.Duration `yaml:"reply_grace"`
	// AckTimeout is how long a received message may go unsettled before it
	// is redelivered. 0 disables redelivery.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// RoutingPrecedence orders the routing stages: rules, content, topic, direct.
	RoutingPrecedence []string `yaml:"routing_precedence"`
}

// PriorityConfig controls how a message's priority is derived.
type PriorityConfig struct {
	Default      int    `yaml:"default"`
	HeaderKey    string `yaml:"header_key"`
	UrgentHeader string `yaml:"urgent_header"`
}

// InheritanceConfig controls correlation chain retention.
type InheritanceConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Shards        int           `yaml:"shards"`
}

// FairnessConfig controls starvation avoidance.
type FairnessConfig struct {
	StarvationDequeues int           `yaml:"starvation_dequeues"`
	StarvationAge      time.Duration `yaml:"starvation_age"`
}

// RulesConfig lists declarative rule files.
type RulesConfig struct {
	Files []string `yaml:"files"`
	Watch bool     `yaml:"watch"`
}

// StorageConfig controls the durable subscription/rule/group store.
type StorageConfig struct {
	Enabled bool `yaml:"enabled"`
	// File is relative to node.data_dir unless absolute.
	File string `yaml:"file"`
}

// MetricsConfig controls lifecycle event sinks.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	EventBuffer int    `yaml:"event_buffer"`
	LogEvents   bool   `yaml:"log_events"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// WebSocketConfig controls the push endpoint.
type WebSocketConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// WebhookConfig controls push delivery to registered webhook URLs.
type WebhookConfig struct {
	// RetryDelays is the backoff applied after consecutive failures; the
	// last entry repeats.
	RetryDelays []time.Duration `yaml:"retry_delays"`
	Timeout     time.Duration   `yaml:"timeout"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			RateLimit:       0,
			RateBurst:       100,
			CORSOrigins:     []string{},
			MaxBodyKB:       1024,
			ShutdownTimeout: 10 * time.Second,
		},
		Hub: HubConfig{
			MaxQueueDepth:     10_000,
			PollInterval:      25 * time.Millisecond,
			RequestTimeout:    30 * time.Second,
			ReplyGrace:        time.Minute,
			AckTimeout:        5 * time.Minute,
			RoutingPrecedence: []string{"rules", "content", "topic", "direct"},
		},
		Priority: PriorityConfig{
			Default:      2,
			HeaderKey:    "priority",
			UrgentHeader: "urgent",
		},
		Inheritance: InheritanceConfig{
			TTL:           10 * time.Minute,
			SweepInterval: time.Minute,
			Shards:        32,
		},
		Fairness: FairnessConfig{
			StarvationDequeues: 16,
			StarvationAge:      5 * time.Second,
		},
		Rules: RulesConfig{
			Files: []string{},
			Watch: false,
		},
		Storage: StorageConfig{
			Enabled: true,
			File:    "agenthub.db",
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			EventBuffer: 4096,
			NATSSubject: "agenthub.events",
		},
		WebSocket: WebSocketConfig{
			Enabled:      true,
			PollInterval: 200 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
		Webhook: WebhookConfig{
			RetryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
			Timeout:     5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// An empty path or a missing file yields the defaults, so the hub runs with
// no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	AGENTHUB_HOST         server.host
//	AGENTHUB_PORT         server.port
//	AGENTHUB_DATA_DIR     node.data_dir
//	AGENTHUB_API_KEY      auth.api_key, and enables auth
//	AGENTHUB_NATS_URL     metrics.nats_url
//	AGENTHUB_LOG_LEVEL    log.level
//	AGENTHUB_RULES_FILES  rules.files (comma separated)
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTHUB_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("AGENTHUB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("AGENTHUB_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("AGENTHUB_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("AGENTHUB_NATS_URL"); v != "" {
		cfg.Metrics.NATSURL = v
	}
	if v := os.Getenv("AGENTHUB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AGENTHUB_RULES_FILES"); v != "" {
		var files []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		cfg.Rules.Files = files
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be at least 1 when rate limiting is on")
	}
	if c.Server.MaxBodyKB < 1 {
		return errors.New("server.max_body_kb must be at least 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Hub.MaxQueueDepth < 0 {
		return errors.New("hub.max_queue_depth must be >= 0")
	}
	if c.Hub.PollInterval <= 0 {
		return errors.New("hub.poll_interval must be positive")
	}
	if c.Hub.RequestTimeout <= 0 {
		return errors.New("hub.request_timeout must be positive")
	}
	if c.Hub.ReplyGrace < 0 {
		return errors.New("hub.reply_grace must be >= 0")
	}
	if c.Hub.AckTimeout < 0 {
		return errors.New("hub.ack_timeout must be >= 0")
	}
	if _, err := hub.ParsePrecedence(c.Hub.RoutingPrecedence); err != nil {
		return fmt.Errorf("hub.routing_precedence: %w", err)
	}
	if c.Priority.Default < types.PriorityMin || c.Priority.Default > types.PriorityMax {
		return fmt.Errorf("priority.default must be between %d and %d", types.PriorityMin, types.PriorityMax)
	}
	if c.Priority.HeaderKey == "" {
		return errors.New("priority.header_key must not be empty")
	}
	if c.Inheritance.TTL <= 0 {
		return errors.New("inheritance.ttl must be positive")
	}
	if c.Inheritance.SweepInterval <= 0 {
		return errors.New("inheritance.sweep_interval must be positive")
	}
	if c.Inheritance.Shards < 1 {
		return errors.New("inheritance.shards must be at least 1")
	}
	if c.Fairness.StarvationDequeues < 0 || c.Fairness.StarvationAge < 0 {
		return errors.New("fairness thresholds must be >= 0")
	}
	if c.Storage.Enabled && c.Storage.File == "" {
		return errors.New("storage.file must be set when storage is enabled")
	}
	if c.Metrics.EventBuffer < 1 {
		return errors.New("metrics.event_buffer must be at least 1")
	}
	if c.Metrics.NATSURL != "" && c.Metrics.NATSSubject == "" {
		return errors.New("metrics.nats_subject must be set with metrics.nats_url")
	}
	if c.WebSocket.Enabled && c.WebSocket.PollInterval <= 0 {
		return errors.New("websocket.poll_interval must be positive")
	}
	if c.Webhook.Timeout <= 0 {
		return errors.New("webhook.timeout must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}

// ─── Conversions ──────────────────────────────────────────────────────────────

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// StorePath resolves storage.file against node.data_dir.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Storage.File) {
		return c.Storage.File
	}
	return filepath.Join(c.Node.DataDir, c.Storage.File)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HubConfig converts the hub-related sections. Call Validate first; an
// invalid precedence falls back to the default order.
func (c *Config) HubConfig() hub.Config {
	hc := hub.DefaultConfig()
	hc.Queue = queue.Config{
		MaxDepth:     c.Hub.MaxQueueDepth,
		PollInterval: c.Hub.PollInterval,
	}
	hc.Priority = priority.Config{
		Default:      c.Priority.Default,
		HeaderKey:    c.Priority.HeaderKey,
		UrgentHeader: c.Priority.UrgentHeader,
	}
	hc.Inheritance = priority.InheritanceConfig{
		TTL:           c.Inheritance.TTL,
		SweepInterval: c.Inheritance.SweepInterval,
		Shards:        c.Inheritance.Shards,
	}
	hc.Fairness = priority.FairnessConfig{
		StarvationDequeues: c.Fairness.StarvationDequeues,
		StarvationAge:      c.Fairness.StarvationAge,
	}
	hc.RequestTimeout = c.Hub.RequestTimeout
	hc.ReplyGrace = c.Hub.ReplyGrace
	hc.AckTimeout = c.Hub.AckTimeout
	hc.EventBuffer = c.Metrics.EventBuffer
	if p, err := hub.ParsePrecedence(c.Hub.RoutingPrecedence); err == nil {
		hc.Precedence = p
	}
	return hc
}
