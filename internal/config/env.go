package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays RABBITQ_* environment variables onto cfg.
// Unparseable values are ignored.
func FromEnv(cfg *Config) {
	setString(&cfg.AMQP.Host, "RABBITQ_HOST")
	setInt(&cfg.AMQP.Port, "RABBITQ_PORT")
	setString(&cfg.AMQP.User, "RABBITQ_USER")
	setString(&cfg.AMQP.Pass, "RABBITQ_PASS")
	setString(&cfg.AMQP.VHost, "RABBITQ_VHOST")
	setString(&cfg.AMQP.Queue, "RABBITQ_QUEUE")
	setBool(&cfg.AMQP.Durable, "RABBITQ_DURABLE")
	setString(&cfg.AMQP.Exchange, "RABBITQ_EXCHANGE")
	setDuration(&cfg.AMQP.DelayedQueueGrace, "RABBITQ_DELAYED_QUEUE_GRACE")

	setString(&cfg.Redis.Addr, "RABBITQ_REDIS_ADDR")
	setString(&cfg.Redis.Channel, "RABBITQ_REDIS_CHANNEL")

	setInt(&cfg.Worker.Concurrency, "RABBITQ_WORKER_CONCURRENCY")
	setInt(&cfg.Worker.MaxAttempts, "RABBITQ_WORKER_MAX_ATTEMPTS")
	setDuration(&cfg.Worker.RetryBase, "RABBITQ_WORKER_RETRY_BASE")
	setDuration(&cfg.Worker.RetryMax, "RABBITQ_WORKER_RETRY_MAX")
	setDuration(&cfg.Worker.PollInterval, "RABBITQ_WORKER_POLL_INTERVAL")
	setDuration(&cfg.Worker.JobTimeout, "RABBITQ_WORKER_JOB_TIMEOUT")
	setBool(&cfg.Worker.Docker, "RABBITQ_WORKER_DOCKER")

	setString(&cfg.Server.Addr, "RABBITQ_SERVER_ADDR")
	if v := os.Getenv("RABBITQ_SERVER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = f
		}
	}
	setInt(&cfg.Server.RateBurst, "RABBITQ_SERVER_RATE_BURST")

	setString(&cfg.Log.Level, "RABBITQ_LOG_LEVEL")
	setString(&cfg.Log.Format, "RABBITQ_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
