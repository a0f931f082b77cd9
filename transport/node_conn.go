// Package transport opens and maintains authenticated connections to remote
// nodes.
//
// A NodeConn is one TCP connection that finished the distribution
// handshake. There is no background reader: whoever holds the read lock
// reads the next packet, so a synchronous call keeps the lock from send
// through receive and nobody else can take its reply.
//
//	caller-1 ──AcquireRead──Send──Receive...──ReleaseRead──┐
//	caller-2 ──Send────────────────────────────────────────┼──→ single TCP conn ──→ remote node
//	ticker   ──tick every TickInterval─────────────────────┘
//
// Writes are serialised by a separate lock, so a cast never waits for a
// reader.
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/samrose/pg-erl/codec"
	"github.com/samrose/pg-erl/protocol"
)

// minWait is the shortest read wait. A deadline in the past fails before
// looking at buffered socket data, so a "non-blocking" read still waits a
// little.
const minWait = time.Millisecond

var connIDs atomic.Uint64

// NodeConn is an established connection to one remote node.
type NodeConn struct {
	id     uint64
	peer   string
	flags  protocol.Flags
	self   Identity
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	log    zerolog.Logger

	reading chan struct{} // one slot, held by whoever consumes packets
	sending sync.Mutex    // one frame at a time on the wire

	refs   atomic.Uint64
	closed atomic.Bool
	done   chan struct{}
}

func newNodeConn(conn net.Conn, self Identity, peer string, flags protocol.Flags, cfg Config) *NodeConn {
	c := &NodeConn{
		id:     connIDs.Add(1),
		peer:   peer,
		flags:  flags,
		self:   self,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64<<10),
		cfg:    cfg,
		log:    cfg.Logger.With().Str("node", peer).Logger(),
		done:   make(chan struct{}),

		reading: make(chan struct{}, 1),
	}
	if cfg.TickInterval > 0 {
		go c.heartbeatLoop(cfg.TickInterval)
	}
	return c
}

// ID distinguishes this connection from earlier ones to the same node.
func (c *NodeConn) ID() uint64 { return c.id }

// Peer is the remote node name as announced in the handshake.
func (c *NodeConn) Peer() string { return c.peer }

// PeerFlags are the capabilities the remote node announced.
func (c *NodeConn) PeerFlags() protocol.Flags { return c.flags }

// Self is the local identity used on this connection.
func (c *NodeConn) Self() Identity { return c.self }

// NewRef returns a reference unique to this connection's local identity.
func (c *NodeConn) NewRef() codec.Ref {
	n := c.refs.Add(1)
	return codec.Ref{
		Node:     codec.Atom(c.self.Name),
		Creation: c.self.Creation,
		ID:       []uint32{uint32(n) & 0x3ffff, uint32(n >> 18), uint32(c.id)},
	}
}

// AcquireRead reserves the receive side of the connection, waiting until it
// is free, ctx ends or the connection closes.
func (c *NodeConn) AcquireRead(ctx context.Context) error {
	select {
	case c.reading <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// TryAcquireRead reserves the receive side only if it is free right now.
func (c *NodeConn) TryAcquireRead() bool {
	select {
	case c.reading <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseRead frees the receive side.
func (c *NodeConn) ReleaseRead() { <-c.reading }

// Send encodes and writes one packet. Encoding happens before the write, so
// a value that cannot be encoded never leaves a partial frame behind.
func (c *NodeConn) Send(control codec.Tuple, msg any) error {
	body, err := protocol.EncodeMessage(control, msg)
	if err != nil {
		return err
	}
	return c.Write(body)
}

// Write sends an already encoded packet body. A nil body is a tick.
func (c *NodeConn) Write(body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return protocol.WritePacket(c.conn, body)
}

// Receive reads the next packet, waiting up to wait for it to start. A tick
// is answered and reported as (nil, nil). It returns ErrReadTimeout when no
// packet started in time; the stream stays usable. The caller must hold the
// receive side (AcquireRead).
func (c *NodeConn) Receive(wait time.Duration) (*protocol.Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if wait < minWait {
		wait = minWait
	}

	if c.reader.Buffered() == 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		if _, err := c.reader.Peek(1); err != nil {
			if isTimeout(err) {
				return nil, ErrReadTimeout
			}
			return nil, err
		}
	}

	// a frame has started: the rest of it gets the full read timeout
	if c.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	body, err := protocol.ReadPacket(c.reader)
	if err != nil {
		// a partial frame cannot be resynchronised
		c.Close()
		return nil, err
	}

	if len(body) == 0 {
		if err := c.Write(nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return protocol.ParseMessage(body)
}

// Probe checks the connection without blocking. Data waiting to be read
// counts as alive and stays buffered for the next reader. A connection whose
// read side is busy is alive by definition.
func (c *NodeConn) Probe() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.TryAcquireRead() {
		return nil
	}
	defer c.ReleaseRead()

	if c.reader.Buffered() > 0 {
		return nil
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(minWait))
	if _, err := c.reader.Peek(1); err != nil && !isTimeout(err) {
		return err
	}
	return nil
}

// heartbeatLoop writes a tick every interval so the remote node does not
// consider the connection dead between requests.
func (c *NodeConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Write(nil); err != nil {
				c.log.Debug().Err(err).Msg("tick failed")
				return
			}
		}
	}
}

// Closed reports whether Close was called or the stream broke.
func (c *NodeConn) Closed() bool { return c.closed.Load() }

// Close is idempotent.
func (c *NodeConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
