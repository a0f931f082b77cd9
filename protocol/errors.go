package protocol

import "errors"

var (
	ErrPacketTooLarge    = errors.New("protocol: packet too large")
	ErrBadHandshake      = errors.New("protocol: malformed handshake message")
	ErrHandshakeRefused  = errors.New("protocol: handshake refused")
	ErrAuthFailed        = errors.New("protocol: authentication failed")
	ErrNodeNotFound      = errors.New("protocol: node not registered with epmd")
	ErrBadEPMDResponse   = errors.New("protocol: malformed epmd response")
	ErrUnsupportedPacket = errors.New("protocol: unsupported packet")
	ErrBadControlMessage = errors.New("protocol: malformed control message")
	ErrInvalidNodeName   = errors.New("protocol: invalid node name")
)
