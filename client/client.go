// Package client is the request engine: it keeps one authenticated
// connection per remote node and runs synchronous calls, casts and
// asynchronous call/poll requests over them.
//
// No goroutine drains the connections. Replies are read by whichever
// operation currently holds a node's receive side, and every read routes
// what it finds: the reply it waits for is returned, replies for other
// outstanding async requests complete their entries, anything else is
// dropped.
package client

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/samrose/pg-erl/message"
	"github.com/samrose/pg-erl/middleware"
	"github.com/samrose/pg-erl/observability"
	"github.com/samrose/pg-erl/pending"
	"github.com/samrose/pg-erl/registry"
	"github.com/samrose/pg-erl/transport"
)

type Client struct {
	cfg      Config
	nodes    *registry.NodeRegistry[*transport.NodeConn]
	pending  *pending.Registry
	handler  middleware.HandlerFunc
	log      zerolog.Logger
	hostname string
	closed   atomic.Bool
}

func New(cfg Config) *Client {
	hostname, _ := os.Hostname()
	c := &Client{
		cfg:      cfg,
		nodes:    registry.NewNodeRegistry[*transport.NodeConn](),
		pending:  pending.New(cfg.PendingCapacity),
		log:      cfg.Logger.With().Str("component", "client").Logger(),
		hostname: hostname,
	}

	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(c.log),
		middleware.MetricsMiddleware(),
	}
	if cfg.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay, retryable))
	}
	mws = append(mws, middleware.TimeoutMiddleware(cfg.DefaultTimeout, cfg.MaxTimeout))
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	mws = append(mws, cfg.Middlewares...)
	c.handler = middleware.Chain(mws...)(c.dispatch)
	return c
}

func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, middleware.ErrRateLimited)
}

// Connect opens an authenticated connection to node and registers it,
// replacing and closing any previous connection to the same node.
func (c *Client) Connect(ctx context.Context, node, cookie string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	conn, err := transport.Dial(ctx, node, cookie, c.cfg.Transport)
	if err != nil {
		observability.RecordConnect(node, false)
		c.log.Warn().Str("node", node).Err(err).Msg("connect failed")
		return &ConnectError{Node: node, Reason: err.Error(), Err: err}
	}
	observability.RecordConnect(node, true)
	return c.register(ctx, node, conn)
}

// register installs a freshly dialled conn. A Close that ran during the dial
// wins: the connection is closed instead of outliving the client.
func (c *Client) register(ctx context.Context, node string, conn *transport.NodeConn) error {
	if prev, replaced := c.nodes.Put(node, conn); replaced {
		c.log.Debug().Str("node", node).Uint64("conn", prev.ID()).Msg("replacing connection")
		prev.Close()
		c.unpublish(node, prev)
	}
	if c.closed.Load() {
		c.nodes.RemoveIf(node, conn)
		conn.Close()
		return ErrClosed
	}
	observability.SetConnections(c.nodes.Len())
	c.publish(ctx, node, conn)

	c.log.Info().Str("node", node).Str("local", conn.Self().Name).Msg("connected")
	return nil
}

// Disconnect closes the connection to node. It reports whether there was one.
func (c *Client) Disconnect(node string) bool {
	conn, ok := c.nodes.Remove(node)
	if !ok {
		return false
	}
	conn.Close()
	c.unpublish(node, conn)
	observability.SetConnections(c.nodes.Len())
	c.log.Info().Str("node", node).Msg("disconnected")
	return true
}

// CheckConnection probes the connection to node without blocking. A dead
// connection is removed from the registry.
func (c *Client) CheckConnection(node string) bool {
	conn, ok := c.nodes.Get(node)
	if !ok {
		return false
	}
	if err := conn.Probe(); err != nil {
		c.drop(node, conn, err)
		return false
	}
	return true
}

// Nodes lists the nodes with a registered connection.
func (c *Client) Nodes() []string { return c.nodes.Nodes() }

// Call invokes module:function on node and waits up to timeout for the result.
func (c *Client) Call(ctx context.Context, node, module, function string, args any, timeout time.Duration) (any, error) {
	resp, err := c.handler(ctx, &message.Request{
		Kind: message.KindCall, Node: node, Module: module, Function: function, Args: args, Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Cast sends module:function to node without waiting. Success means the
// write completed.
func (c *Client) Cast(ctx context.Context, node, module, function string, args any) error {
	_, err := c.handler(ctx, &message.Request{
		Kind: message.KindCast, Node: node, Module: module, Function: function, Args: args,
	})
	return err
}

// SendAsync sends a call and returns a handle for PollAsync.
func (c *Client) SendAsync(ctx context.Context, node, module, function string, args any) (uint64, error) {
	resp, err := c.handler(ctx, &message.Request{
		Kind: message.KindSendAsync, Node: node, Module: module, Function: function, Args: args,
	})
	if err != nil {
		return 0, err
	}
	return resp.Handle, nil
}

// PollAsync makes one bounded attempt to obtain the reply for handle. The
// returned Response says whether a value arrived; a completed handle returns
// its cached value every time.
func (c *Client) PollAsync(ctx context.Context, handle uint64, timeout time.Duration) (*message.Response, error) {
	return c.handler(ctx, &message.Request{Kind: message.KindPoll, Handle: handle, Timeout: timeout})
}

// PendingCount is the number of async requests without a reply.
func (c *Client) PendingCount() int { return c.pending.PendingCount() }

// Discard forgets an async handle.
func (c *Client) Discard(handle uint64) bool {
	ok := c.pending.Discard(handle)
	observability.SetPending(c.pending.PendingCount())
	return ok
}

// Close disconnects every node. The client cannot connect again afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, node := range c.nodes.Nodes() {
		c.Disconnect(node)
	}
	c.nodes.CloseAll()
	observability.SetConnections(0)
	if c.cfg.Directory != nil {
		return c.cfg.Directory.Close()
	}
	return nil
}

// drop deregisters conn after a transport failure unless it was already
// replaced.
func (c *Client) drop(node string, conn *transport.NodeConn, cause error) {
	conn.Close()
	if !c.nodes.RemoveIf(node, conn) {
		return
	}
	c.unpublish(node, conn)
	observability.SetConnections(c.nodes.Len())
	c.log.Warn().Str("node", node).Err(cause).Msg("connection lost")
}

func (c *Client) publish(ctx context.Context, node string, conn *transport.NodeConn) {
	if c.cfg.Directory == nil {
		return
	}
	entry := registry.NodeEntry{
		Node:        node,
		Local:       conn.Self().Name,
		Host:        c.hostname,
		ConnectedAt: time.Now().UTC(),
	}
	if err := c.cfg.Directory.Register(ctx, entry, c.cfg.DirectoryTTL); err != nil {
		c.log.Warn().Str("node", node).Err(err).Msg("directory register failed")
	}
}

func (c *Client) unpublish(node string, conn *transport.NodeConn) {
	if c.cfg.Directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.cfg.Directory.Deregister(ctx, node, conn.Self().Name); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug().Str("node", node).Err(err).Msg("directory deregister failed")
	}
}
