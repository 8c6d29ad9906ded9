package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides cfg with any of the supported environment variables.
// Unparseable values are ignored and the previous value is kept.
func ApplyEnv(cfg *Config) {
	if id := os.Getenv("NODE_ID"); id != "" {
		cfg.NodeID = id
	}

	// Load SERVER_PORT
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = parseList(origins)
	}

	// Load MAX_MESSAGE_SIZE
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.Server.MaxMessageSize = parseInt64(maxSize, cfg.Server.MaxMessageSize)
	}

	if v := os.Getenv("MAX_PAYLOAD_BYTES"); v != "" {
		cfg.MaxPayloadBytes = parseIntValue(v, cfg.MaxPayloadBytes)
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		cfg.Server.IdleTimeout = parseSeconds(v, cfg.Server.IdleTimeout)
	}

	// Load RATE_LIMIT_BURST and RATE_LIMIT_REFILL_INTERVAL for the message class
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Message.Burst = parseIntValue(burst, cfg.RateLimit.Message.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.Message.RefillInterval = parseSeconds(interval, cfg.RateLimit.Message.RefillInterval)
	}
	if action := os.Getenv("RATE_LIMIT_ACTION"); action != "" {
		cfg.RateLimit.Action = strings.ToLower(strings.TrimSpace(action))
	}
	if n := os.Getenv("RATE_LIMIT_DISCONNECT_AFTER"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed >= 0 {
			cfg.RateLimit.DisconnectAfter = parsed
		}
	}

	if path := os.Getenv("JWT_PUBLIC_KEY_FILE"); path != "" {
		if cfg.Auth.PublicKeyFiles == nil {
			cfg.Auth.PublicKeyFiles = make(map[string]string)
		}
		cfg.Auth.PublicKeyFiles["default"] = path
	}
	if pem := os.Getenv("JWT_PUBLIC_KEY"); pem != "" {
		cfg.Auth.PublicKeyPEM = pem
	}
	if iss := os.Getenv("JWT_ISSUER"); iss != "" {
		cfg.Auth.Issuer = iss
	}
	if aud := os.Getenv("JWT_AUDIENCE"); aud != "" {
		cfg.Auth.Audience = aud
	}

	if driver := os.Getenv("BROKER_DRIVER"); driver != "" {
		cfg.Broker.Driver = strings.ToLower(strings.TrimSpace(driver))
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Broker.RedisURL = url
	}
	if v := os.Getenv("HISTORY_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.History.Enabled = enabled
		}
	}
	if v := os.Getenv("HISTORY_REPLAY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.History.ReplayLimit = n
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts a whole number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
