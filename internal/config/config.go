// Package config loads the daemon's environment configuration.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full daemon configuration, decoded from the environment.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `env:"BLOCKSCAPE_ADDR,default=:8080"`

	// TokenSecret is the HMAC secret shared with the REST access-token
	// issuer.
	TokenSecret string `env:"BLOCKSCAPE_TOKEN_SECRET,required"`

	// DatabaseURL selects the PostgreSQL store. Empty runs the in-memory
	// store (single-node development).
	DatabaseURL string `env:"BLOCKSCAPE_DATABASE_URL"`

	// RedisAddr selects the Redis broker for multi-node fan-out. Empty runs
	// the in-memory broker.
	RedisAddr string `env:"BLOCKSCAPE_REDIS_ADDR"`

	// AuthTimeout bounds the authentication handshake after socket open.
	AuthTimeout time.Duration `env:"BLOCKSCAPE_AUTH_TIMEOUT,default=5s"`

	// SendQueueLen bounds each connection's outbound queue; overflowing
	// clients are disconnected.
	SendQueueLen int `env:"BLOCKSCAPE_SEND_QUEUE_LEN,default=256"`

	// MaxConnsPerUser caps live connections per registered user. Zero means
	// unlimited.
	MaxConnsPerUser int `env:"BLOCKSCAPE_MAX_CONNS_PER_USER,default=0"`

	// PresenceSampleRate is the probability that one presence update is
	// persisted (0 disables, 1 persists every update).
	PresenceSampleRate float64 `env:"BLOCKSCAPE_PRESENCE_SAMPLE_RATE,default=0.1"`

	// JanitorInterval is the period of the stale-session sweep.
	JanitorInterval time.Duration `env:"BLOCKSCAPE_JANITOR_INTERVAL,default=5m"`

	// SessionStaleAfter is the staleness window after which an active
	// durable session with no fresh online participants is closed.
	SessionStaleAfter time.Duration `env:"BLOCKSCAPE_SESSION_STALE_AFTER,default=30m"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"BLOCKSCAPE_LOG_LEVEL,default=info"`

	// LogJSON switches the log handler to JSON output.
	LogJSON bool `env:"BLOCKSCAPE_LOG_JSON,default=false"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.PresenceSampleRate < 0 || cfg.PresenceSampleRate > 1 {
		return nil, fmt.Errorf("presence sample rate %v out of [0,1]", cfg.PresenceSampleRate)
	}
	return &cfg, nil
}
