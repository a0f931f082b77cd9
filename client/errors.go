package client

import (
	"errors"
	"fmt"

	"github.com/samrose/pg-erl/pending"
)

var (
	ErrNoConnection   = errors.New("client: no connection to node")
	ErrSendFailed     = errors.New("client: send failed")
	ErrReceiveFailed  = errors.New("client: receive failed")
	ErrTimeout        = errors.New("client: timed out waiting for reply")
	ErrUnknownHandle  = pending.ErrUnknownHandle
	ErrConnectionLost = errors.New("client: connection lost")
	ErrClosed         = errors.New("client: closed")
)

// ConnectError reports a failed handshake or transport setup. Nothing is
// registered when it is returned.
type ConnectError struct {
	Node   string
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("client: connect to %s failed: %s", e.Node, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// OpError pairs an error kind (ErrSendFailed, ErrReceiveFailed) with the
// transport error behind it. errors.Is matches either.
type OpError struct {
	Kind error
	Node string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Node, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{e.Kind, e.Err} }
