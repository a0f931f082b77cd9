package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samrose/pg-erl/codec"
	"github.com/samrose/pg-erl/message"
	"github.com/samrose/pg-erl/middleware"
	"github.com/samrose/pg-erl/protocol"
	"github.com/samrose/pg-erl/transport"
)

const (
	testNode   = "app@127.0.0.1"
	testCookie = "monster"
)

type Demo struct{}

func (d *Demo) Echo(ctx context.Context, args []any) (any, error) {
	return args, nil
}

func (d *Demo) Fail(ctx context.Context, args []any) (any, error) {
	return nil, errors.New("boom")
}

// not handler-shaped, must be skipped
func (d *Demo) Helper(x int) int { return x }

func startStandalone(t *testing.T) *Standalone {
	t.Helper()
	s, err := StartStandalone(Config{Name: testNode, Cookie: testCookie, Logger: zerolog.Nop()}, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Server.Register(&Demo{}))
	s.Server.Handle("math", "add", func(ctx context.Context, args []any) (any, error) {
		var sum float64
		for _, a := range args {
			n, ok := a.(int64)
			if !ok {
				return nil, errors.New("not an integer")
			}
			sum += float64(n)
		}
		return sum, nil
	})
	return s
}

func dial(t *testing.T, s *Standalone) *transport.NodeConn {
	t.Helper()
	cfg := transport.DefaultConfig()
	cfg.EPMDPort = s.EPMDPort
	cfg.LocalHost = "127.0.0.1"
	cfg.TickInterval = 0
	cfg.Logger = zerolog.Nop()
	conn, err := transport.Dial(context.Background(), testNode, testCookie, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// rpc sends a call envelope and returns the decoded reply payload.
func rpc(t *testing.T, conn *transport.NodeConn, module, function string, args any) any {
	t.Helper()
	self := conn.Self().Pid()
	ref := conn.NewRef()
	env, err := message.CallEnvelope(self, ref, module, function, args)
	require.NoError(t, err)
	require.NoError(t, conn.Send(protocol.RegSend(self, message.Dispatcher), env))

	require.NoError(t, conn.AcquireRead(context.Background()))
	defer conn.ReleaseRead()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := conn.Receive(100 * time.Millisecond)
		if errors.Is(err, transport.ErrReadTimeout) || (err == nil && m == nil) {
			continue
		}
		require.NoError(t, err)
		token, _, ok := codec.SplitReply(m.Payload)
		require.True(t, ok)
		require.True(t, ref.Equal(token.(codec.Ref)))
		v, err := codec.DecodeResponse(m.Payload)
		require.NoError(t, err)
		return v
	}
	t.Fatal("no reply")
	return nil
}

func TestEPMDLookup(t *testing.T) {
	s := startStandalone(t)

	info, ok := s.EPMD.Lookup("app")
	require.True(t, ok)
	assert.Equal(t, uint16(s.Port), info.Port)

	cfg := transport.DefaultConfig()
	cfg.EPMDPort = s.EPMDPort
	got, err := transport.LookupPort(context.Background(), "127.0.0.1", "app", cfg)
	require.NoError(t, err)
	assert.Equal(t, uint16(s.Port), got.Port)

	_, err = transport.LookupPort(context.Background(), "127.0.0.1", "nobody", cfg)
	assert.ErrorIs(t, err, protocol.ErrNodeNotFound)
}

func TestEPMDRejectsDuplicateAlias(t *testing.T) {
	s := startStandalone(t)

	other := NewServer(Config{Name: testNode, Cookie: testCookie, Logger: zerolog.Nop()})
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.EPMDPort))
	err := other.RegisterEPMD(context.Background(), addr, 1)
	assert.ErrorIs(t, err, protocol.ErrHandshakeRefused)
}

func TestEPMDForgetsNodeOnShutdown(t *testing.T) {
	s := startStandalone(t)
	require.NoError(t, s.Server.Shutdown(time.Second))

	require.Eventually(t, func() bool {
		_, ok := s.EPMD.Lookup("app")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallRegisteredService(t *testing.T) {
	s := startStandalone(t)
	conn := dial(t, s)

	v := rpc(t, conn, "demo", "echo", []any{"hi", 3})
	assert.Equal(t, []any{"hi", int64(3)}, v)

	v = rpc(t, conn, "math", "add", []any{1, 2, 3})
	assert.Equal(t, int64(6), v)
}

func TestCallErrorsBecomeBadRPC(t *testing.T) {
	s := startStandalone(t)
	conn := dial(t, s)

	v := rpc(t, conn, "demo", "fail", nil)
	assert.Equal(t, []any{"badrpc", []any{"EXIT", "boom"}}, v)

	v = rpc(t, conn, "nope", "missing", nil)
	assert.Equal(t, []any{"badrpc", []any{"EXIT", []any{"undef", "nope:missing"}}}, v)
}

func TestCastRunsHandler(t *testing.T) {
	s := startStandalone(t)
	got := make(chan []any, 1)
	s.Server.Handle("log", "info", func(ctx context.Context, args []any) (any, error) {
		got <- args
		return nil, nil
	})
	conn := dial(t, s)

	env, err := message.CastEnvelope("log", "info", "hello")
	require.NoError(t, err)
	require.NoError(t, conn.Send(protocol.RegSend(conn.Self().Pid(), message.Dispatcher), env))
	select {
	case args := <-got:
		assert.Equal(t, []any{"hello"}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("cast not delivered")
	}
}

func TestWrongCookieRejected(t *testing.T) {
	s := startStandalone(t)
	cfg := transport.DefaultConfig()
	cfg.EPMDPort = s.EPMDPort
	cfg.LocalHost = "127.0.0.1"
	cfg.Logger = zerolog.Nop()

	_, err := transport.Dial(context.Background(), testNode, "wrong", cfg)
	assert.ErrorIs(t, err, protocol.ErrAuthFailed)
}

func TestDropConnections(t *testing.T) {
	s := startStandalone(t)
	conn := dial(t, s)

	require.Eventually(t, func() bool { return s.Server.Connections() == 1 }, time.Second, 10*time.Millisecond)
	s.Server.DropConnections()
	require.Eventually(t, func() bool { return conn.Probe() != nil }, 2*time.Second, 10*time.Millisecond)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Demo{})
	assert.Error(t, err)

	svc, err := NewService(&Demo{})
	require.NoError(t, err)
	assert.Equal(t, "demo", svc.name)
	assert.Contains(t, svc.methods, "echo")
	assert.Contains(t, svc.methods, "fail")
	assert.NotContains(t, svc.methods, "helper")
}

func TestUseAppliesToLaterRequests(t *testing.T) {
	s := startStandalone(t)
	conn := dial(t, s)

	seen := make(chan string, 1)
	s.Server.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			seen <- req.Module + ":" + req.Function
			return next(ctx, req)
		}
	})

	assert.Equal(t, []any{"x"}, rpc(t, conn, "demo", "echo", []any{"x"}))
	assert.Equal(t, "demo:echo", <-seen)
}

func TestShutdownWhileRequestsArrive(t *testing.T) {
	s := startStandalone(t)
	var handled atomic.Int32
	s.Server.Handle("log", "info", func(ctx context.Context, args []any) (any, error) {
		handled.Add(1)
		return nil, nil
	})
	conn := dial(t, s)
	env, err := message.CastEnvelope("log", "info", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := conn.Send(protocol.RegSend(conn.Self().Pid(), message.Dispatcher), env); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return handled.Load() > 0 }, 2*time.Second, time.Millisecond)
	assert.NoError(t, s.Server.Shutdown(2*time.Second))
	close(stop)
	<-done

	assert.False(t, s.Server.startRequest())
}
