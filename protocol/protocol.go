// Package protocol implements the wire formats of the remote runtime's
// distribution protocol: EPMD requests, handshake messages and the packets
// exchanged on an established connection.
//
// Handshake messages are framed with a 2-byte length, connected packets with
// a 4-byte length. A connected packet of length zero is a tick (keep-alive).
//
//	handshake:  ┌────────┬──────────────────┐
//	            │ len u16│ tag | fields ... │
//	            └────────┴──────────────────┘
//	connected:  ┌────────┬─────┬──────────────┬──────────────┐
//	            │ len u32│ 'p' │ control term │ message term │
//	            └────────┴─────┴──────────────┴──────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// PassThrough prefixes every connected packet when no distribution
	// header (atom cache) was negotiated.
	PassThrough byte = 'p'

	// MaxPacketSize bounds the body of a single connected packet.
	MaxPacketSize = 1 << 28
)

// WriteHandshake writes a 2-byte length framed handshake message.
func WriteHandshake(w io.Writer, body []byte) error {
	if len(body) > 0xffff {
		return ErrPacketTooLarge
	}
	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)))
	copy(buf[2:], body)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads one 2-byte length framed handshake message.
func ReadHandshake(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint16(lenBuf))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WritePacket writes a 4-byte length framed packet in a single write, so
// concurrent writers holding the connection's write lock never interleave.
// A nil body writes a tick.
func WritePacket(w io.Writer, body []byte) error {
	if len(body) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one 4-byte length framed packet. A tick yields an empty,
// non-nil body.
func ReadPacket(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
