package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/samrose/pg-erl/protocol"
)

// LookupPort asks the port mapper on host for the distribution port of alias.
func LookupPort(ctx context.Context, host, alias string, cfg Config) (*protocol.NodeInfo, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(cfg.EPMDPort)))
	if err != nil {
		return nil, fmt.Errorf("epmd %s: %w", host, err)
	}
	defer conn.Close()
	setDeadline(ctx, conn, cfg.HandshakeTimeout)

	if err := protocol.WriteHandshake(conn, protocol.EncodePortPlease(alias)); err != nil {
		return nil, fmt.Errorf("epmd %s: %w", host, err)
	}
	info, err := protocol.ReadPortResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("epmd %s: %s: %w", host, alias, err)
	}
	return info, nil
}

// Dial resolves node through the port mapper, connects and authenticates
// with cookie. Each dial presents a fresh local identity.
func Dial(ctx context.Context, node, cookie string, cfg Config) (*NodeConn, error) {
	alias, host, err := protocol.SplitNodeName(node)
	if err != nil {
		return nil, err
	}
	info, err := LookupPort(ctx, host, alias, cfg)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(info.Port))))
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}

	id := NewIdentity(cfg.NamePrefix, LocalHost(cfg.LocalHost, host))
	setDeadline(ctx, conn, cfg.HandshakeTimeout)
	peer, flags, err := initiate(conn, id, cookie)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	cfg.Logger.Debug().Str("node", peer).Str("local", id.Name).Msg("connected")
	return newNodeConn(conn, id, peer, flags, cfg), nil
}

// Accept authenticates an incoming connection as id and wraps it.
func Accept(conn net.Conn, id Identity, cookie string, cfg Config) (*NodeConn, error) {
	setDeadline(context.Background(), conn, cfg.HandshakeTimeout)
	peer, flags, err := accept(conn, id, cookie)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return newNodeConn(conn, id, peer, flags, cfg), nil
}

// setDeadline applies the earlier of the context deadline and now+timeout.
func setDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
}
