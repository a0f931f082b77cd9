// Package server implements an accepting distribution node that answers
// administrative calls and casts with Go handlers. It backs the integration
// tests and `pgerl serve`.
//
// Request processing pipeline:
//
//	Accept conn → handshake → handleConn (single reader per connection)
//	  → for each call/cast sent to the dispatcher: go handleRequest
//	    → Middleware Chain → businessHandler → reply {Ref, Result} or {badrpc, Reason}
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/samrose/pg-erl/codec"
	"github.com/samrose/pg-erl/message"
	"github.com/samrose/pg-erl/middleware"
	"github.com/samrose/pg-erl/protocol"
	"github.com/samrose/pg-erl/transport"
)

var ErrUnknownFunction = errors.New("server: unknown function")

// pollInterval bounds how long a connection reader blocks before checking
// for shutdown.
const pollInterval = 250 * time.Millisecond

type Config struct {
	Name      string // full node name, alias@host
	Cookie    string
	Transport transport.Config
	Logger    zerolog.Logger
}

// Server is a distribution node that executes calls with registered handlers.
type Server struct {
	cfg      Config
	identity transport.Identity
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler // "module:function"
	conns    map[*transport.NodeConn]struct{}

	listener    net.Listener
	epmd        net.Conn // held open while registered
	wg          sync.WaitGroup
	shutdown    atomic.Bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

func NewServer(cfg Config) *Server {
	cfg.Transport.Logger = cfg.Logger
	svr := &Server{
		cfg: cfg,
		identity: transport.Identity{
			Name:     cfg.Name,
			Creation: uint32(time.Now().Unix()),
			Flags:    protocol.DefaultFlags | protocol.FlagPublished,
		},
		log:      cfg.Logger.With().Str("component", "server").Str("name", cfg.Name).Logger(),
		handlers: make(map[string]Handler),
		conns:    make(map[*transport.NodeConn]struct{}),
	}
	svr.handler = svr.businessHandler
	return svr
}

// Handle registers fn as module:function.
func (svr *Server) Handle(module, function string, fn Handler) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.handlers[module+":"+function] = fn
}

// Register exposes every handler-shaped method of rcvr (see NewService).
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	for name, fn := range svc.methods {
		svr.Handle(svc.name, name, fn)
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and take effect for requests that start afterwards.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
}

// Serve accepts connections on ln until Shutdown.
func (svr *Server) Serve(ln net.Listener) error {
	svr.mu.Lock()
	svr.listener = ln
	svr.mu.Unlock()
	if svr.shutdown.Load() {
		return ln.Close()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// ListenAndServe listens on address and serves.
func (svr *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(ln)
}

// RegisterEPMD announces the server's port to the port mapper at addr. The
// registration lasts until Shutdown.
func (svr *Server) RegisterEPMD(ctx context.Context, addr string, port int) error {
	alias, _, err := protocol.SplitNodeName(svr.cfg.Name)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	info := protocol.NodeInfo{
		Name:        alias,
		Port:        uint16(port),
		NodeType:    protocol.NodeTypeNormal,
		HighVersion: protocol.DistVersionHigh,
		LowVersion:  protocol.DistVersionLow,
	}
	if err := protocol.WriteHandshake(conn, protocol.EncodeAlive2(info)); err != nil {
		conn.Close()
		return err
	}
	creation, err := protocol.ReadAlive2Response(conn)
	if err != nil {
		conn.Close()
		return err
	}

	svr.mu.Lock()
	svr.epmd = conn
	svr.identity.Creation = creation
	svr.mu.Unlock()
	svr.log.Info().Str("epmd", addr).Int("port", port).Uint32("creation", creation).Msg("registered with epmd")
	return nil
}

// handleConn authenticates one peer and reads its packets. Reads are
// sequential; each request runs in its own goroutine.
func (svr *Server) handleConn(raw net.Conn) {
	svr.mu.RLock()
	id := svr.identity
	svr.mu.RUnlock()

	conn, err := transport.Accept(raw, id, svr.cfg.Cookie, svr.cfg.Transport)
	if err != nil {
		svr.log.Warn().Str("remote", raw.RemoteAddr().String()).Err(err).Msg("handshake failed")
		raw.Close()
		return
	}
	svr.track(conn, true)
	defer svr.track(conn, false)
	defer conn.Close()

	logger := svr.log.With().Str("peer", conn.Peer()).Logger()
	logger.Debug().Msg("peer connected")

	if err := conn.AcquireRead(context.Background()); err != nil {
		return
	}
	defer conn.ReleaseRead()

	for !svr.shutdown.Load() {
		m, err := conn.Receive(pollInterval)
		switch {
		case errors.Is(err, transport.ErrReadTimeout):
			continue
		case errors.Is(err, protocol.ErrUnsupportedPacket), errors.Is(err, protocol.ErrBadControlMessage):
			logger.Debug().Err(err).Msg("ignoring packet")
			continue
		case err != nil:
			logger.Debug().Err(err).Msg("peer gone")
			return
		case m == nil || m.Payload == nil || m.To() != message.Dispatcher:
			continue
		}

		term, err := codec.NewDecoder(m.Payload).Term()
		if err != nil {
			logger.Debug().Err(err).Msg("undecodable request")
			continue
		}
		inv, err := message.ParseEnvelope(term)
		if err != nil {
			logger.Debug().Err(err).Msg("ignoring message")
			continue
		}
		if !svr.startRequest() {
			return
		}
		go svr.handleRequest(conn, inv)
	}
}

// startRequest counts a request in, unless shutdown has begun. Shutdown sets
// the flag under the same lock before it waits.
func (svr *Server) startRequest() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) handleRequest(conn *transport.NodeConn, inv *message.Invocation) {
	defer svr.wg.Done()

	kind := message.KindCall
	if inv.Cast {
		kind = message.KindCast
	}
	svr.mu.RLock()
	handler := svr.handler
	svr.mu.RUnlock()
	resp, err := handler(context.Background(), &message.Request{
		Kind:     kind,
		Node:     conn.Peer(),
		Module:   inv.Module,
		Function: inv.Function,
		Args:     inv.Args,
	})
	if inv.Cast {
		return
	}

	var result any
	switch {
	case errors.Is(err, ErrUnknownFunction):
		result = message.BadRPC(codec.Tuple{codec.Atom("EXIT"), codec.Tuple{codec.Atom("undef"), inv.Module + ":" + inv.Function}})
	case err != nil:
		result = message.BadRPC(codec.Tuple{codec.Atom("EXIT"), err.Error()})
	default:
		result = resp.Value
	}

	sendErr := conn.Send(protocol.Send(inv.From), message.Reply(inv.Ref, result))
	if errors.Is(sendErr, codec.ErrUnsupportedValue) {
		sendErr = conn.Send(protocol.Send(inv.From), message.Reply(inv.Ref, message.BadRPC(sendErr.Error())))
	}
	if sendErr != nil {
		svr.log.Debug().Err(sendErr).Str("peer", conn.Peer()).Msg("reply failed")
	}
}

// businessHandler looks up module:function and runs it.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	svr.mu.RLock()
	fn, ok := svr.handlers[req.Module+":"+req.Function]
	svr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", ErrUnknownFunction, req.Module, req.Function)
	}

	args := message.ArgList(req.Args)
	generic := make([]any, len(args))
	for i, a := range args {
		generic[i] = codec.Collapse(a)
	}
	v, err := fn(ctx, generic)
	if err != nil {
		return nil, err
	}
	return &message.Response{Value: v, Outcome: message.OutcomeValue}, nil
}

func (svr *Server) track(conn *transport.NodeConn, add bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// Connections is the number of authenticated peers.
func (svr *Server) Connections() int {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return len(svr.conns)
}

// DropConnections closes every peer connection but keeps serving.
func (svr *Server) DropConnections() {
	svr.mu.RLock()
	conns := make([]*transport.NodeConn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

// Shutdown performs graceful shutdown:
//  1. Leave the port mapper so new peers cannot find us
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener and wait for in-flight requests (with timeout)
//  4. Close peer connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	if svr.epmd != nil {
		svr.epmd.Close()
		svr.epmd = nil
	}
	svr.shutdown.Store(true)
	ln := svr.listener
	svr.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
	svr.DropConnections()
	return err
}

// Addr returns the listening address once Serve has been called.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}
