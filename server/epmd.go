package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/samrose/pg-erl/protocol"
)

// EPMD is a minimal port mapper: it answers port lookups and accepts
// registrations that last as long as the registering connection.
type EPMD struct {
	log      zerolog.Logger
	mu       sync.RWMutex
	nodes    map[string]protocol.NodeInfo
	listener net.Listener
	creation atomic.Uint32
	closed   atomic.Bool
}

func NewEPMD(logger zerolog.Logger) *EPMD {
	return &EPMD{
		log:   logger.With().Str("component", "epmd").Logger(),
		nodes: make(map[string]protocol.NodeInfo),
	}
}

// Register adds a node without a registration connection.
func (e *EPMD) Register(info protocol.NodeInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[info.Name] = info
}

// Lookup returns the registration for alias.
func (e *EPMD) Lookup(alias string) (protocol.NodeInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok := e.nodes[alias]
	return info, ok
}

// Serve answers requests on ln until Close.
func (e *EPMD) Serve(ln net.Listener) error {
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			return err
		}
		go e.handleConn(conn)
	}
}

func (e *EPMD) handleConn(conn net.Conn) {
	defer conn.Close()
	body, err := protocol.ReadHandshake(conn)
	if err != nil || len(body) == 0 {
		return
	}

	switch body[0] {
	case protocol.EPMDPortPlease2Req:
		alias := string(body[1:])
		info, ok := e.Lookup(alias)
		if !ok {
			_ = protocol.WritePortResponse(conn, nil)
			return
		}
		_ = protocol.WritePortResponse(conn, &info)

	case protocol.EPMDAlive2Req:
		info, err := protocol.DecodeAlive2(body)
		if err != nil {
			_ = protocol.WriteAlive2Response(conn, false, 0)
			return
		}
		e.mu.Lock()
		_, taken := e.nodes[info.Name]
		if !taken {
			e.nodes[info.Name] = info
		}
		e.mu.Unlock()
		if taken {
			_ = protocol.WriteAlive2Response(conn, false, 0)
			return
		}

		creation := e.creation.Add(1)
		if err := protocol.WriteAlive2Response(conn, true, creation); err != nil {
			e.unregister(info.Name)
			return
		}
		e.log.Debug().Str("alias", info.Name).Uint16("port", info.Port).Msg("node registered")

		// the registration ends when the node closes the connection
		_, err = io.Copy(io.Discard, conn)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			e.log.Debug().Err(err).Str("alias", info.Name).Msg("registration connection failed")
		}
		e.unregister(info.Name)

	default:
		e.log.Debug().Uint8("request", body[0]).Msg("unsupported epmd request")
	}
}

func (e *EPMD) unregister(alias string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.nodes, alias)
}

func (e *EPMD) Close() error {
	e.closed.Store(true)
	e.mu.RLock()
	ln := e.listener
	e.mu.RUnlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
