// Package config provides the relay's runtime settings: defaults, an optional
// YAML file, environment overrides, and sanitization of out-of-range values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BucketConfig defines one rate-limit class. Burst messages may be sent at
// once; an empty bucket refills completely over RefillInterval.
type BucketConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
	IdleTTL        time.Duration `yaml:"idle_ttl"`
}

// RateLimitConfig defines the limiter classes and the response to violations.
type RateLimitConfig struct {
	Message         BucketConfig  `yaml:"message"`
	Typing          BucketConfig  `yaml:"typing"`
	Connect         BucketConfig  `yaml:"connect"`
	Action          string        `yaml:"action"`
	DisconnectAfter int           `yaml:"disconnect_after"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// ServerConfig holds the HTTP and WebSocket transport settings.
type ServerConfig struct {
	Port                  string        `yaml:"port"`
	AllowedOrigins        []string      `yaml:"allowed_origins"`
	MaxMessageSize        int64         `yaml:"max_message_size"`
	SendQueueSize         int           `yaml:"send_queue_size"`
	WriteWait             time.Duration `yaml:"write_wait"`
	PongWait              time.Duration `yaml:"pong_wait"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	MaxProtocolViolations int           `yaml:"max_protocol_violations"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
	ReadHeaderTimeout     time.Duration `yaml:"read_header_timeout"`
}

// AuthConfig points at the trusted token signing keys.
type AuthConfig struct {
	// PublicKeyFiles maps a key id to a PEM file.
	PublicKeyFiles map[string]string `yaml:"public_key_files"`
	// PublicKeyPEM is a single inline key, registered under the "default" id.
	PublicKeyPEM string        `yaml:"public_key_pem"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	Leeway       time.Duration `yaml:"leeway"`
}

// BrokerConfig selects the cross-node transport.
type BrokerConfig struct {
	Driver        string        `yaml:"driver"`
	RedisURL      string        `yaml:"redis_url"`
	Prefix        string        `yaml:"prefix"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	RetryInitial  time.Duration `yaml:"retry_initial"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

// HistoryConfig controls message persistence and replay on join.
type HistoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxLen         int64         `yaml:"max_len"`
	ReplayLimit    int           `yaml:"replay_limit"`
	QueueSize      int           `yaml:"queue_size"`
	FailuresToTrip uint32        `yaml:"failures_to_trip"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|console
}

// Config holds every setting of a relay node.
type Config struct {
	NodeID          string          `yaml:"node_id"`
	MaxPayloadBytes int             `yaml:"max_payload_bytes"`
	Server          ServerConfig    `yaml:"server"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Broker          BrokerConfig    `yaml:"broker"`
	History         HistoryConfig   `yaml:"history"`
	Log             LogConfig       `yaml:"log"`
}

// Broker drivers.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		MaxPayloadBytes: 4096,
		Server: ServerConfig{
			Port:                  ":8080",
			AllowedOrigins:        []string{"http://localhost:8080"},
			MaxMessageSize:        8192,
			SendQueueSize:         256,
			WriteWait:             10 * time.Second,
			PongWait:              60 * time.Second,
			IdleTimeout:           5 * time.Minute,
			MaxProtocolViolations: 5,
			ShutdownTimeout:       10 * time.Second,
			ReadHeaderTimeout:     5 * time.Second,
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Message:         BucketConfig{Burst: 10, RefillInterval: 10 * time.Second},
			Typing:          BucketConfig{Burst: 20, RefillInterval: 5 * time.Second},
			Connect:         BucketConfig{Burst: 5, RefillInterval: time.Minute},
			Action:          "warn",
			DisconnectAfter: 20,
			SweepInterval:   time.Minute,
		},
		Broker: BrokerConfig{
			Driver:        DriverMemory,
			RedisURL:      "redis://localhost:6379/0",
			Prefix:        "chat",
			ProbeInterval: 5 * time.Second,
			RetryInitial:  100 * time.Millisecond,
			RetryMax:      10 * time.Second,
		},
		History: HistoryConfig{
			Enabled:        true,
			MaxLen:         1000,
			ReplayLimit:    50,
			QueueSize:      1024,
			FailuresToTrip: 5,
			OpenTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), and the environment, then sanitizes it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	return Sanitize(cfg), nil
}

// Sanitize replaces missing or out-of-range values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}

	s := &cfg.Server
	if s.Port == "" {
		s.Port = def.Server.Port
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = def.Server.MaxMessageSize
	}
	if s.MaxMessageSize < int64(cfg.MaxPayloadBytes) {
		// A frame must be able to carry a maximal payload plus its envelope.
		s.MaxMessageSize = int64(cfg.MaxPayloadBytes) + 512
	}
	if s.SendQueueSize <= 0 {
		s.SendQueueSize = def.Server.SendQueueSize
	}
	if s.WriteWait <= 0 {
		s.WriteWait = def.Server.WriteWait
	}
	if s.PongWait <= 0 {
		s.PongWait = def.Server.PongWait
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = def.Server.IdleTimeout
	}
	if s.MaxProtocolViolations <= 0 {
		s.MaxProtocolViolations = def.Server.MaxProtocolViolations
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if s.ReadHeaderTimeout <= 0 {
		s.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}

	rl := &cfg.RateLimit
	rl.Message = sanitizeBucket(rl.Message, def.RateLimit.Message)
	rl.Typing = sanitizeBucket(rl.Typing, def.RateLimit.Typing)
	rl.Connect = sanitizeBucket(rl.Connect, def.RateLimit.Connect)
	if rl.Action == "" {
		rl.Action = def.RateLimit.Action
	}
	if rl.DisconnectAfter < 0 {
		rl.DisconnectAfter = 0
	}
	if rl.SweepInterval <= 0 {
		rl.SweepInterval = def.RateLimit.SweepInterval
	}

	b := &cfg.Broker
	if b.Driver == "" {
		b.Driver = def.Broker.Driver
	}
	if b.Prefix == "" {
		b.Prefix = def.Broker.Prefix
	}
	if b.ProbeInterval <= 0 {
		b.ProbeInterval = def.Broker.ProbeInterval
	}
	if b.RetryInitial <= 0 {
		b.RetryInitial = def.Broker.RetryInitial
	}
	if b.RetryMax < b.RetryInitial {
		b.RetryMax = def.Broker.RetryMax
	}

	h := &cfg.History
	if h.MaxLen <= 0 {
		h.MaxLen = def.History.MaxLen
	}
	if h.ReplayLimit < 0 {
		h.ReplayLimit = 0
	}
	if h.QueueSize <= 0 {
		h.QueueSize = def.History.QueueSize
	}
	if h.FailuresToTrip == 0 {
		h.FailuresToTrip = def.History.FailuresToTrip
	}
	if h.OpenTimeout <= 0 {
		h.OpenTimeout = def.History.OpenTimeout
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	return cfg
}

func sanitizeBucket(b, def BucketConfig) BucketConfig {
	if b.Burst <= 0 {
		b.Burst = def.Burst
	}
	if b.RefillInterval <= 0 {
		b.RefillInterval = def.RefillInterval
	}
	if b.IdleTTL < b.RefillInterval {
		b.IdleTTL = b.RefillInterval
	}
	return b
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.PublicKeyFiles) == 0 && c.Auth.PublicKeyPEM == "" {
		errs = append(errs, errors.New("auth: no public key configured"))
	}
	switch c.Broker.Driver {
	case DriverRedis:
		if c.Broker.RedisURL == "" {
			errs = append(errs, errors.New("broker: redis driver requires redis_url"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("broker: unknown driver %q", c.Broker.Driver))
	}
	switch c.RateLimit.Action {
	case "drop", "warn", "disconnect":
	default:
		errs = append(errs, fmt.Errorf("rate_limit: unknown action %q", c.RateLimit.Action))
	}
	return errors.Join(errs...)
}
