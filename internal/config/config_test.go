package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("QueueTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{QueueTTLSeconds: 900}
		assert.Equal(t, 900*time.Second, cfg.QueueTTL())
	})

	t.Run("LockTTL converts millis to duration", func(t *testing.T) {
		cfg := &Config{LockTTLMillis: 5000}
		assert.Equal(t, 5*time.Second, cfg.LockTTL())
	})

	t.Run("session timing helpers", func(t *testing.T) {
		cfg := &Config{SessionDurationSeconds: 45, ChoiceWindowSeconds: 60, SessionRetentionHours: 2}
		assert.Equal(t, 45*time.Second, cfg.SessionDuration())
		assert.Equal(t, time.Minute, cfg.ChoiceWindow())
		assert.Equal(t, 2*time.Hour, cfg.SessionRetention())
	})

	t.Run("IsProduction reads APP_ENV value", func(t *testing.T) {
		assert.True(t, (&Config{Environment: "production"}).IsProduction())
		assert.False(t, (&Config{Environment: "development"}).IsProduction())
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:               "rediss://localhost:6379",
			LockBackend:            LockBackendRedis,
			SessionDurationSeconds: 45,
			ChoiceWindowSeconds:    60,
			CallCredentialSecret:   "0123456789abcdef0123456789abcdef",
		}
	}

	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, valid().Validate(true))
	})

	t.Run("rejects non-bcrypt moderation hash", func(t *testing.T) {
		cfg := valid()
		cfg.ModerationTokenHash = "plaintext"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects unknown lock backend", func(t *testing.T) {
		cfg := valid()
		cfg.LockBackend = "etcd"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects short credential secret in production", func(t *testing.T) {
		cfg := valid()
		cfg.CallCredentialSecret = "short"
		assert.Error(t, cfg.Validate(true))
		assert.NoError(t, cfg.Validate(false))
	})
}

func TestLoad(t *testing.T) {
	keys := []string{"PORT", "DATABASE_URL", "REDIS_URL", "QUEUE_TTL_SECONDS", "LOG_LEVEL", "KAFKA_BROKERS", "SESSION_DURATION_SECONDS"}
	originalEnv := map[string]string{}
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("QUEUE_TTL_SECONDS")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("KAFKA_BROKERS")
		os.Unsetenv("SESSION_DURATION_SECONDS")
		os.Unsetenv("APP_ENV")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, 900, cfg.QueueTTLSeconds)
		assert.Equal(t, 45, cfg.SessionDurationSeconds)
		assert.Equal(t, 60, cfg.ChoiceWindowSeconds)
		assert.Equal(t, LockBackendRedis, cfg.LockBackend)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Empty(t, cfg.KafkaBrokers)
		assert.False(t, cfg.OTEL.Enabled)
		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, 120, cfg.HTTPRateLimitPerMin)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "3000")
		os.Setenv("LOG_LEVEL", "debug")
		os.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails without required REDIS_URL", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Unsetenv("REDIS_URL")

		_, err := Load()
		assert.Error(t, err)
	})
}
