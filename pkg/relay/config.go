// Package relay provides the token relay HTTP service. It holds the
// long-lived avatar service API key server-side and mints short-lived
// session tokens for clients, so browsers and demo binaries never see
// the key itself.
package relay

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// ServiceAPIKey is the long-lived avatar service key the relay guards.
	ServiceAPIKey string

	// ServiceBaseURL overrides the avatar service endpoint; empty means the
	// SDK default.
	ServiceBaseURL string

	// CORSAllowedOrigins is an exact-match origin allowlist; empty disables
	// CORS entirely.
	CORSAllowedOrigins map[string]struct{}

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("AVATAR_RELAY_ADDR", ":8080"),
		ServiceAPIKey:       strings.TrimSpace(os.Getenv("AVATAR_API_KEY")),
		ServiceBaseURL:      envOr("AVATAR_RELAY_BASE_URL", ""),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("AVATAR_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("AVATAR_RELAY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("AVATAR_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("AVATAR_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.ServiceAPIKey == "" {
		return Config{}, fmt.Errorf("AVATAR_API_KEY must be set")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("AVATAR_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("AVATAR_RELAY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("AVATAR_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
