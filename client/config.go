package client

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/samrose/pg-erl/middleware"
	"github.com/samrose/pg-erl/registry"
	"github.com/samrose/pg-erl/transport"
)

type Config struct {
	Transport transport.Config

	DefaultTimeout time.Duration // used for calls with a non-positive timeout
	MaxTimeout     time.Duration // upper bound for any wait

	// Retries re-issues requests that timed out or were rate limited, each
	// attempt with its own timeout. A retried call may run twice remotely.
	Retries    int
	RetryDelay time.Duration

	PendingCapacity int // 0 keeps every async entry until discarded

	RateLimit float64 // requests per second, 0 disables limiting
	RateBurst int

	Directory    registry.Directory // optional, publishes live connections
	DirectoryTTL int64              // seconds

	// Middlewares run inside the built-in chain, closest to the engine.
	Middlewares []middleware.Middleware

	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Transport:      transport.DefaultConfig(),
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     60 * time.Second,
		RetryDelay:     100 * time.Millisecond,
		DirectoryTTL:   10,
		Logger:         log.Logger,
	}
}
