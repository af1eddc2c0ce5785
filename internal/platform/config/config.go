package config

import (
	"os"
	"strings"
	"time"

	"github.com/konduit-run/konduit/internal/platform/envutil"
	"github.com/konduit-run/konduit/internal/platform/logger"
)

// Config is the engine's full set of recognized options (spec
// Configuration table) plus store/coordination connection settings.
type Config struct {
	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerHeartbeatInterval time.Duration
	WorkerStaleThreshold    time.Duration
	WorkerDrainTimeout      time.Duration

	QueueLockTimeout    time.Duration
	QueueReaperInterval time.Duration
	QueueBatchSize      int

	LeaderLockTTL       time.Duration
	LeaderRenewInterval time.Duration

	ExecutionDefaultTimeout       time.Duration
	ExecutionTimeoutCheckInterval time.Duration

	RetentionTTL      time.Duration
	RetentionInterval time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryStrategy    string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresName     string

	RedisAddr    string
	RedisChannel string
}

// Load reads every recognized option from the environment, falling
// back to the default when a variable is unset or unparsable. String
// options log their fallback at Debug level, durations log only a
// parse failure, and integers fall back silently.
func Load(log *logger.Logger) Config {
	return Config{
		WorkerConcurrency:       getInt("WORKER_CONCURRENCY", 5, log),
		WorkerPollInterval:      getDuration("WORKER_POLL_INTERVAL", time.Second, log),
		WorkerHeartbeatInterval: getDuration("WORKER_HEARTBEAT_INTERVAL", 10*time.Second, log),
		WorkerStaleThreshold:    getDuration("WORKER_STALE_THRESHOLD", 60*time.Second, log),
		WorkerDrainTimeout:      getDuration("WORKER_DRAIN_TIMEOUT", 30*time.Second, log),

		QueueLockTimeout:    getDuration("QUEUE_LOCK_TIMEOUT", 5*time.Minute, log),
		QueueReaperInterval: getDuration("QUEUE_REAPER_INTERVAL", 30*time.Second, log),
		QueueBatchSize:      getInt("QUEUE_BATCH_SIZE", 1, log),

		LeaderLockTTL:       getDuration("LEADER_LOCK_TTL", 30*time.Second, log),
		LeaderRenewInterval: getDuration("LEADER_RENEW_INTERVAL", 10*time.Second, log),

		ExecutionDefaultTimeout:       getDuration("EXECUTION_DEFAULT_TIMEOUT", 30*time.Minute, log),
		ExecutionTimeoutCheckInterval: getDuration("EXECUTION_TIMEOUT_CHECK_INTERVAL", 30*time.Second, log),

		RetentionTTL:      getDuration("RETENTION_TTL", 7*24*time.Hour, log),
		RetentionInterval: getDuration("RETENTION_INTERVAL", time.Hour, log),

		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 3, log),
		RetryBaseDelay:   getDuration("RETRY_BASE_DELAY", time.Second, log),
		RetryMaxDelay:    getDuration("RETRY_MAX_DELAY", 5*time.Minute, log),
		RetryStrategy:    getString("RETRY_STRATEGY", "FIXED", log),

		PostgresHost:     getString("POSTGRES_HOST", "localhost", log),
		PostgresPort:     getString("POSTGRES_PORT", "5432", log),
		PostgresUser:     getString("POSTGRES_USER", "postgres", log),
		PostgresPassword: getString("POSTGRES_PASSWORD", "", log),
		PostgresName:     getString("POSTGRES_NAME", "konduit", log),

		RedisAddr:    getString("REDIS_ADDR", "", log),
		RedisChannel: getString("REDIS_CHANNEL", "konduit-tasks", log),
	}
}

func getString(key, def string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", def)
		}
		return def
	}
	return val
}

func getInt(key string, def int, log *logger.Logger) int {
	return envutil.Int(key, def)
}

func getDuration(key string, def time.Duration, log *logger.Logger) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if log != nil {
			log.Debug("env var could not be parsed as duration, using default", "env_var", key, "value", v, "default", def)
		}
		return def
	}
	return d
}
