package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samrose/pg-erl/codec"
	"github.com/samrose/pg-erl/message"
	"github.com/samrose/pg-erl/observability"
	"github.com/samrose/pg-erl/protocol"
	"github.com/samrose/pg-erl/transport"
)

// dispatch is the innermost handler of the middleware chain.
func (c *Client) dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	switch req.Kind {
	case message.KindCall:
		return c.call(ctx, req)
	case message.KindCast:
		return c.cast(req)
	case message.KindSendAsync:
		return c.sendAsync(req)
	case message.KindPoll:
		return c.poll(ctx, req)
	default:
		return nil, fmt.Errorf("client: unsupported request kind %s", req.Kind)
	}
}

func (c *Client) conn(node string) (*transport.NodeConn, error) {
	conn, ok := c.nodes.Get(node)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, node)
	}
	return conn, nil
}

func (c *Client) call(ctx context.Context, req *message.Request) (*message.Response, error) {
	conn, err := c.conn(req.Node)
	if err != nil {
		return nil, err
	}
	self := conn.Self().Pid()
	ref := conn.NewRef()
	env, err := message.CallEnvelope(self, ref, req.Module, req.Function, req.Args)
	if err != nil {
		return nil, err
	}
	body, err := protocol.EncodeMessage(protocol.RegSend(self, message.Dispatcher), env)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(req.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// hold the receive side from before the send so nobody else can read the reply
	if err := conn.AcquireRead(ctx); err != nil {
		return nil, c.waitError(req.Node, err)
	}
	defer conn.ReleaseRead()

	if err := conn.Write(body); err != nil {
		c.drop(req.Node, conn, err)
		return nil, &OpError{Kind: ErrSendFailed, Node: req.Node, Err: err}
	}

	payload, err := c.await(ctx, req.Node, conn, ref, deadline)
	if err != nil {
		return nil, err
	}
	return decodeReply(req.Node, payload)
}

func (c *Client) cast(req *message.Request) (*message.Response, error) {
	conn, err := c.conn(req.Node)
	if err != nil {
		return nil, err
	}
	env, err := message.CastEnvelope(req.Module, req.Function, req.Args)
	if err != nil {
		return nil, err
	}
	body, err := protocol.EncodeMessage(protocol.RegSend(conn.Self().Pid(), message.Dispatcher), env)
	if err != nil {
		return nil, err
	}
	if err := conn.Write(body); err != nil {
		c.drop(req.Node, conn, err)
		return nil, &OpError{Kind: ErrSendFailed, Node: req.Node, Err: err}
	}
	return &message.Response{Value: true, Outcome: message.OutcomeValue}, nil
}

func (c *Client) sendAsync(req *message.Request) (*message.Response, error) {
	conn, err := c.conn(req.Node)
	if err != nil {
		return nil, err
	}
	self := conn.Self().Pid()
	ref := conn.NewRef()
	env, err := message.CallEnvelope(self, ref, req.Module, req.Function, req.Args)
	if err != nil {
		return nil, err
	}
	body, err := protocol.EncodeMessage(protocol.RegSend(self, message.Dispatcher), env)
	if err != nil {
		return nil, err
	}

	// registered before the write so a concurrent reader can already route the reply
	handle, evicted := c.pending.Add(req.Node, conn.ID(), ref)
	if evicted > 0 {
		c.log.Debug().Int("evicted", evicted).Msg("evicted completed async entries")
	}
	if capacity := c.cfg.PendingCapacity; capacity > 0 && c.pending.Len() > capacity {
		c.log.Warn().Int("capacity", capacity).Int("entries", c.pending.Len()).Msg("pending table over capacity")
	}

	if err := conn.Write(body); err != nil {
		c.pending.Discard(handle)
		c.drop(req.Node, conn, err)
		return nil, &OpError{Kind: ErrSendFailed, Node: req.Node, Err: err}
	}
	observability.SetPending(c.pending.PendingCount())
	return &message.Response{Handle: handle, Outcome: message.OutcomePending}, nil
}

func (c *Client) poll(ctx context.Context, req *message.Request) (*message.Response, error) {
	entry, err := c.pending.Get(req.Handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, req.Handle)
	}
	req.Node = entry.Node
	if entry.Completed {
		return completed(req.Handle, entry.Reply)
	}

	conn, ok := c.nodes.Get(entry.Node)
	if !ok || conn.ID() != entry.ConnID {
		return nil, fmt.Errorf("%w: %s", ErrConnectionLost, entry.Node)
	}

	marker := func(o message.Outcome) (*message.Response, error) {
		return &message.Response{Handle: req.Handle, Outcome: o}, nil
	}

	if req.Timeout <= 0 {
		if !conn.TryAcquireRead() {
			return marker(message.OutcomePending)
		}
	} else if err := conn.AcquireRead(ctx); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionLost, entry.Node)
		}
		return marker(message.OutcomeTimeout)
	}
	defer conn.ReleaseRead()

	// another reader may have routed our reply while we waited
	if entry, err = c.pending.Get(req.Handle); err == nil && entry.Completed {
		return completed(req.Handle, entry.Reply)
	}

	m, err := conn.Receive(req.Timeout)
	switch {
	case errors.Is(err, transport.ErrReadTimeout):
		if req.Timeout <= 0 {
			return marker(message.OutcomePending)
		}
		return marker(message.OutcomeTimeout)
	case isProtocolError(err):
		c.log.Debug().Str("node", entry.Node).Err(err).Msg("ignoring malformed packet")
		return marker(message.OutcomePending)
	case err != nil:
		c.drop(entry.Node, conn, err)
		return &message.Response{Handle: req.Handle, Outcome: message.OutcomeError, Reason: err.Error()}, nil
	case m == nil:
		return marker(message.OutcomePending)
	}

	c.route(entry.Node, m)
	if entry, err = c.pending.Get(req.Handle); err == nil && entry.Completed {
		return completed(req.Handle, entry.Reply)
	}
	return marker(message.OutcomePending)
}

// await reads until the reply carrying ref arrives or deadline passes. The
// caller holds the receive side.
func (c *Client) await(ctx context.Context, node string, conn *transport.NodeConn, ref codec.Ref, deadline time.Time) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, c.waitError(node, err)
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, node)
		}

		m, err := conn.Receive(wait)
		switch {
		case errors.Is(err, transport.ErrReadTimeout):
			continue
		case isProtocolError(err):
			c.log.Debug().Str("node", node).Err(err).Msg("ignoring malformed packet")
			continue
		case err != nil:
			c.drop(node, conn, err)
			return nil, &OpError{Kind: ErrReceiveFailed, Node: node, Err: err}
		case m == nil:
			continue
		}

		if token, payload, ok := c.route(node, m); ok && token.Equal(ref) {
			return payload, nil
		}
	}
}

// route inspects one received message. A reply whose token belongs to an
// outstanding async request completes that request. It returns the reply
// token and payload so a synchronous caller can match its own.
func (c *Client) route(node string, m *protocol.Message) (codec.Ref, []byte, bool) {
	if m.Payload == nil {
		return codec.Ref{}, nil, false
	}
	token, _, ok := codec.SplitReply(m.Payload)
	ref, isRef := token.(codec.Ref)
	if !ok || !isRef {
		c.log.Debug().Str("node", node).Int("op", m.Op).Msg("dropping unexpected message")
		return codec.Ref{}, nil, false
	}
	if handle, found := c.pending.Match(ref); found {
		c.pending.Complete(handle, m.Payload)
		observability.SetPending(c.pending.PendingCount())
		c.log.Debug().Str("node", node).Uint64("handle", handle).Msg("async reply received")
	}
	return ref, m.Payload, true
}

func (c *Client) waitError(node string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, node)
	case errors.Is(err, transport.ErrClosed):
		return &OpError{Kind: ErrReceiveFailed, Node: node, Err: err}
	default:
		return err
	}
}

func completed(handle uint64, reply []byte) (*message.Response, error) {
	v, degraded, err := codec.DecodeResponseReport(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: handle %d: %v", ErrReceiveFailed, handle, err)
	}
	return &message.Response{Value: v, Handle: handle, Outcome: message.OutcomeValue, Degraded: degraded}, nil
}

func decodeReply(node string, payload []byte) (*message.Response, error) {
	v, degraded, err := codec.DecodeResponseReport(payload)
	if err != nil {
		return nil, &OpError{Kind: ErrReceiveFailed, Node: node, Err: err}
	}
	return &message.Response{Value: v, Outcome: message.OutcomeValue, Degraded: degraded}, nil
}

func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrUnsupportedPacket) || errors.Is(err, protocol.ErrBadControlMessage)
}
