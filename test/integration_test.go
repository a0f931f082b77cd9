package test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samrose/pg-erl/bridge"
	"github.com/samrose/pg-erl/client"
	"github.com/samrose/pg-erl/message"
	"github.com/samrose/pg-erl/registry"
	"github.com/samrose/pg-erl/server"
)

const (
	nodeName = "arith@127.0.0.1"
	cookie   = "integration"
)

// Arith is served by the remote node in these tests.
type Arith struct{}

func (a *Arith) Add(ctx context.Context, args []any) (any, error) {
	var sum int64
	for _, v := range args {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("badarg: %v", v)
		}
		sum += n
	}
	return sum, nil
}

func (a *Arith) Echo(ctx context.Context, args []any) (any, error) {
	return args[0], nil
}

// Delay replies with its second argument after the first argument in ms.
func (a *Arith) Delay(ctx context.Context, args []any) (any, error) {
	ms, _ := args[0].(int64)
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return args[1], nil
}

func startNode(tb testing.TB) *server.Standalone {
	tb.Helper()
	s, err := server.StartStandalone(server.Config{Name: nodeName, Cookie: cookie, Logger: zerolog.Nop()}, "", "")
	require.NoError(tb, err)
	tb.Cleanup(func() { s.Close() })
	require.NoError(tb, s.Server.Register(&Arith{}))
	return s
}

func clientConfig(s *server.Standalone) client.Config {
	cfg := client.DefaultConfig()
	cfg.Transport.EPMDPort = s.EPMDPort
	cfg.Transport.LocalHost = "127.0.0.1"
	cfg.Transport.Logger = zerolog.Nop()
	cfg.Logger = zerolog.Nop()
	return cfg
}

func newClient(tb testing.TB, cfg client.Config) *client.Client {
	tb.Helper()
	c := client.New(cfg)
	tb.Cleanup(func() { c.Close() })
	require.NoError(tb, c.Connect(context.Background(), nodeName, cookie))
	return c
}

// The host-facing walk through: connect, call, async send/poll, disconnect.
func TestBridgeEndToEnd(t *testing.T) {
	s := startNode(t)
	c := client.New(clientConfig(s))
	t.Cleanup(func() { c.Close() })
	b := bridge.New(c, zerolog.Nop())
	ctx := context.Background()

	require.True(t, b.Connect(ctx, nodeName, cookie))

	out, err := b.Call(ctx, nodeName, "arith", "add", []byte(`[3, 5]`), 0)
	require.NoError(t, err)
	assert.Equal(t, "8", string(out))

	h1, err := b.SendAsync(ctx, nodeName, "arith", "delay", []byte(`[50, "first"]`))
	require.NoError(t, err)
	h2, err := b.SendAsync(ctx, nodeName, "arith", "delay", []byte(`[50, "second"]`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h1)
	assert.Equal(t, uint64(2), h2)
	assert.Equal(t, 2, b.PendingRequests())

	for _, h := range []uint64{h1, h2} {
		require.Eventually(t, func() bool {
			out, err := b.PollAsync(ctx, h, 100)
			return err == nil && string(out) != `{"status":"pending"}` && string(out) != `{"status":"timeout"}`
		}, 3*time.Second, time.Millisecond)
	}
	assert.Zero(t, b.PendingRequests())

	out, err = b.PollAsync(ctx, h2, 0)
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(out))

	assert.True(t, b.CheckConnection(nodeName))
	assert.True(t, b.Disconnect(nodeName))
	assert.False(t, b.CheckConnection(nodeName))
}

// Concurrent callers share one connection; each must get its own reply.
func TestConcurrentCallsOnOneConnection(t *testing.T) {
	s := startNode(t)
	c := newClient(t, clientConfig(s))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("caller-%d", i)
			got, err := c.Call(context.Background(), nodeName, "arith", "delay", []any{i % 5, want}, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("caller %d got %v", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// A poll that reads another request's reply completes that request instead
// of losing it.
func TestPollRoutesOtherReplies(t *testing.T) {
	s := startNode(t)
	c := newClient(t, clientConfig(s))
	ctx := context.Background()

	slow, err := c.SendAsync(ctx, nodeName, "arith", "delay", []any{300, "slow"})
	require.NoError(t, err)
	fast, err := c.SendAsync(ctx, nodeName, "arith", "delay", []any{10, "fast"})
	require.NoError(t, err)

	resp, err := c.PollAsync(ctx, slow, time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.OutcomePending, resp.Outcome)
	assert.Equal(t, 1, c.PendingCount())

	resp, err = c.PollAsync(ctx, fast, 0)
	require.NoError(t, err)
	assert.Equal(t, message.OutcomeValue, resp.Outcome)
	assert.Equal(t, "fast", resp.Value)

	resp, err = c.PollAsync(ctx, slow, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "slow", resp.Value)
}

func TestReconnectAfterRemoteDrop(t *testing.T) {
	s := startNode(t)
	c := newClient(t, clientConfig(s))
	ctx := context.Background()

	h, err := c.SendAsync(ctx, nodeName, "arith", "delay", []any{500, "lost"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Server.Connections() == 1 }, time.Second, 10*time.Millisecond)
	s.Server.DropConnections()
	require.Eventually(t, func() bool { return !c.CheckConnection(nodeName) }, 2*time.Second, 10*time.Millisecond)

	_, err = c.Call(ctx, nodeName, "arith", "add", []any{1}, time.Second)
	assert.ErrorIs(t, err, client.ErrNoConnection)

	require.NoError(t, c.Connect(ctx, nodeName, cookie))
	v, err := c.Call(ctx, nodeName, "arith", "add", []any{1, 2, 3}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	_, err = c.PollAsync(ctx, h, 0)
	assert.ErrorIs(t, err, client.ErrConnectionLost)
}

// Connections are published to etcd while they live.
func TestDirectoryWithEtcd(t *testing.T) {
	probe, err := registry.NewEtcdDirectory([]string{"127.0.0.1:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer probe.Close()
	pctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := probe.Discover(pctx, nodeName); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}

	dir, err := registry.NewEtcdDirectory([]string{"127.0.0.1:2379"}, time.Second)
	require.NoError(t, err)

	s := startNode(t)
	cfg := clientConfig(s)
	cfg.Directory = dir
	c := newClient(t, cfg)
	ctx := context.Background()

	entries, err := probe.Discover(ctx, nodeName)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, nodeName, entries[0].Node)

	c.Disconnect(nodeName)
	entries, err = probe.Discover(ctx, nodeName)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
