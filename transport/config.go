package transport

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/samrose/pg-erl/protocol"
)

// Config controls how connections to remote nodes are opened and kept.
type Config struct {
	EPMDPort   int    // port of the port mapper on the remote host
	NamePrefix string // first part of the generated local node alias
	LocalHost  string // host part of the local node name, derived when empty

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // bound on reading the rest of a frame once it started
	WriteTimeout     time.Duration
	TickInterval     time.Duration // 0 disables the tick writer

	Logger zerolog.Logger
}

// DefaultConfig honours ERL_EPMD_PORT like the remote runtime does.
func DefaultConfig() Config {
	port := protocol.DefaultEPMDPort
	if v, err := strconv.Atoi(os.Getenv("ERL_EPMD_PORT")); err == nil && v > 0 {
		port = v
	}
	return Config{
		EPMDPort:         port,
		NamePrefix:       "pgerl",
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		TickInterval:     15 * time.Second,
		Logger:           log.Logger,
	}
}
