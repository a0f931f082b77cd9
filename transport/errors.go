package transport

import "errors"

var (
	ErrClosed      = errors.New("transport: connection closed")
	ErrReadTimeout = errors.New("transport: read timed out")
)
