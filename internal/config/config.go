// Package config loads rabbitq configuration from defaults, .env files and
// RABBITQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level configuration shared by the binaries.
type Config struct {
	AMQP   AMQP
	Redis  Redis
	Worker Worker
	Server Server
	Log    Log
}

// AMQP holds the broker connection and queue settings.
type AMQP struct {
	Host  string
	Port  int
	User  string
	Pass  string
	VHost string

	// Queue is the default queue used when an operation names none.
	Queue string
	// Durable controls queue durability and message persistence.
	Durable bool
	// Exchange is the direct exchange delayed queues dead-letter into.
	Exchange string
	// DelayedQueueGrace is how long a delayed queue may sit idle after its
	// delay before the broker deletes it.
	DelayedQueueGrace time.Duration
}

// Redis holds the event bus settings. An empty Addr disables events.
type Redis struct {
	Addr    string
	Channel string
}

// Worker holds consumer pool and retry settings.
type Worker struct {
	Concurrency  int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	PollInterval time.Duration
	// JobTimeout bounds a single handler run. Zero means no limit.
	JobTimeout time.Duration
	Docker     bool
}

// Server holds the HTTP API settings.
type Server struct {
	Addr      string
	RateLimit float64
	RateBurst int
}

// Log holds logger settings.
type Log struct {
	Level  string
	Format string
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		AMQP: AMQP{
			Host:              "localhost",
			Port:              5672,
			User:              "guest",
			Pass:              "guest",
			VHost:             "/",
			Queue:             "default",
			Durable:           true,
			Exchange:          "immediate",
			DelayedQueueGrace: 30 * time.Second,
		},
		Redis: Redis{
			Channel: "rabbitq:events",
		},
		Worker: Worker{
			Concurrency:  4,
			MaxAttempts:  5,
			RetryBase:    time.Second,
			RetryMax:     5 * time.Minute,
			PollInterval: 500 * time.Millisecond,
			JobTimeout:   5 * time.Minute,
		},
		Server: Server{
			Addr:      ":8080",
			RateLimit: 0.5,
			RateBurst: 5,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the given .env files (".env" when none are given), then
// overlays the environment onto the defaults. Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg := Default()
	FromEnv(&cfg)
	return cfg, nil
}

// URL renders the AMQP connection URL.
func (a AMQP) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(a.User, a.Pass),
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(a.Port)),
	}
	if a.VHost != "" && a.VHost != "/" {
		u.Path = "/" + a.VHost
	} else {
		u.Path = "/"
	}
	return u.String()
}
