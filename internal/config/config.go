package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	LockBackendRedis  = "redis"
	LockBackendPebble = "pebble"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	QueueTTLSeconds          int `env:"QUEUE_TTL_SECONDS" envDefault:"900"`
	LockTTLMillis            int `env:"LOCK_TTL_MS" envDefault:"5000"`
	SessionDurationSeconds   int `env:"SESSION_DURATION_SECONDS" envDefault:"45"`
	ChoiceWindowSeconds      int `env:"CHOICE_WINDOW_SECONDS" envDefault:"60"`
	MatchedMarkerTTLSeconds  int `env:"MATCHED_MARKER_TTL_SECONDS" envDefault:"120"`
	RuntimeStateTTLSeconds   int `env:"RUNTIME_STATE_TTL_SECONDS" envDefault:"3600"`
	WorkerIntervalMillis     int `env:"WORKER_INTERVAL_MS" envDefault:"1000"`
	WorkerMaxPairsPerKey     int `env:"WORKER_MAX_PAIRS_PER_KEY" envDefault:"50"`
	HousekeepingIntervalSecs int `env:"HOUSEKEEPING_INTERVAL_SECONDS" envDefault:"300"`
	SessionRetentionHours    int `env:"SESSION_RETENTION_HOURS" envDefault:"720"`
	BlockedDeferMillis       int `env:"BLOCKED_DEFER_MS" envDefault:"2000"`
	BlockedDeferMaxMillis    int `env:"BLOCKED_DEFER_MAX_MS" envDefault:"60000"`
	JoinRateLimitPerMin      int `env:"JOIN_RATE_LIMIT_PER_MIN" envDefault:"30"`
	HTTPRateLimitPerMin      int `env:"HTTP_RATE_LIMIT_PER_MIN" envDefault:"120"`

	LockBackend string `env:"LOCK_BACKEND" envDefault:"redis"`
	PebbleDir   string `env:"PEBBLE_DIR" envDefault:"data/locks"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"matchmaking.events"`

	CallCredentialSecret string `env:"CALL_CREDENTIAL_SECRET"`
	ModerationTokenHash  string `env:"MODERATION_TOKEN_HASH"`

	OTEL OTELConfig
}

type OTELConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool    `env:"OTEL_INSECURE" envDefault:"true"`
	SampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1.0"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"matchmaker"`
}

func (c *Config) QueueTTL() time.Duration {
	return time.Duration(c.QueueTTLSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMillis) * time.Millisecond
}

func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionDurationSeconds) * time.Second
}

func (c *Config) ChoiceWindow() time.Duration {
	return time.Duration(c.ChoiceWindowSeconds) * time.Second
}

func (c *Config) MatchedMarkerTTL() time.Duration {
	return time.Duration(c.MatchedMarkerTTLSeconds) * time.Second
}

func (c *Config) RuntimeStateTTL() time.Duration {
	return time.Duration(c.RuntimeStateTTLSeconds) * time.Second
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.WorkerIntervalMillis) * time.Millisecond
}

func (c *Config) HousekeepingInterval() time.Duration {
	return time.Duration(c.HousekeepingIntervalSecs) * time.Second
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionHours) * time.Hour
}

func (c *Config) BlockedDefer() time.Duration {
	return time.Duration(c.BlockedDeferMillis) * time.Millisecond
}

func (c *Config) BlockedDeferMax() time.Duration {
	return time.Duration(c.BlockedDeferMaxMillis) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Validate(isProduction bool) error {
	if c.ModerationTokenHash != "" {
		if !strings.HasPrefix(c.ModerationTokenHash, "$2a$") &&
			!strings.HasPrefix(c.ModerationTokenHash, "$2b$") &&
			!strings.HasPrefix(c.ModerationTokenHash, "$2y$") {
			return fmt.Errorf("MODERATION_TOKEN_HASH must be a bcrypt hash (generate with: go run ./cmd/hashtoken <token>)")
		}
	}

	switch c.LockBackend {
	case LockBackendRedis, LockBackendPebble:
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockBackendRedis, LockBackendPebble, c.LockBackend)
	}

	if c.SessionDurationSeconds <= 0 || c.ChoiceWindowSeconds <= 0 {
		return fmt.Errorf("SESSION_DURATION_SECONDS and CHOICE_WINDOW_SECONDS must be positive")
	}

	if isProduction {
		if len(c.CallCredentialSecret) < 32 {
			return fmt.Errorf("CALL_CREDENTIAL_SECRET must be at least 32 characters in production (generate with: openssl rand -base64 32)")
		}
		if c.ModerationTokenHash == "" {
			log.Warn().Msg("MODERATION_TOKEN_HASH is empty in production: moderation endpoints disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.LockBackend == LockBackendPebble {
			log.Warn().Msg("LOCK_BACKEND=pebble only serializes a single process: run one replica")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
