package transport

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/samrose/pg-erl/protocol"
)

// initiate runs the connecting side of the handshake and returns the peer's
// name and capability flags.
func initiate(conn net.Conn, id Identity, cookie string) (string, protocol.Flags, error) {
	hello := protocol.Name{Flags: id.Flags, Creation: id.Creation, Name: id.Name}
	if err := protocol.WriteHandshake(conn, hello.Encode()); err != nil {
		return "", 0, err
	}

	body, err := protocol.ReadHandshake(conn)
	if err != nil {
		return "", 0, err
	}
	status, err := protocol.DecodeStatus(body)
	if err != nil {
		return "", 0, err
	}
	switch status {
	case protocol.StatusOK, protocol.StatusOKSimultaneous:
	case protocol.StatusAlive:
		// our names are unique per connection, so an older one can go
		if err := protocol.WriteHandshake(conn, protocol.EncodeStatus("true")); err != nil {
			return "", 0, err
		}
	default:
		return "", 0, fmt.Errorf("%w: %s", protocol.ErrHandshakeRefused, status)
	}

	body, err = protocol.ReadHandshake(conn)
	if err != nil {
		return "", 0, err
	}
	challenge, err := protocol.DecodeChallenge(body)
	if err != nil {
		return "", 0, err
	}

	ours := randomUint32()
	reply := protocol.ChallengeReply{Challenge: ours, Digest: protocol.Digest(challenge.Challenge, cookie)}
	if err := protocol.WriteHandshake(conn, reply.Encode()); err != nil {
		return "", 0, err
	}

	body, err = protocol.ReadHandshake(conn)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		// the peer hangs up instead of answering a wrong digest
		return "", 0, fmt.Errorf("%w: connection closed by %s", protocol.ErrAuthFailed, challenge.Name)
	}
	if err != nil {
		return "", 0, err
	}
	digest, err := protocol.DecodeChallengeAck(body)
	if err != nil {
		return "", 0, err
	}
	want := protocol.Digest(ours, cookie)
	if subtle.ConstantTimeCompare(digest[:], want[:]) != 1 {
		return "", 0, fmt.Errorf("%w: bad ack from %s", protocol.ErrAuthFailed, challenge.Name)
	}
	return challenge.Name, challenge.Flags, nil
}

// accept runs the accepting side of the handshake.
func accept(conn net.Conn, id Identity, cookie string) (string, protocol.Flags, error) {
	body, err := protocol.ReadHandshake(conn)
	if err != nil {
		return "", 0, err
	}
	hello, err := protocol.DecodeName(body)
	if err != nil {
		return "", 0, err
	}
	if _, _, err := protocol.SplitNodeName(hello.Name); err != nil {
		_ = protocol.WriteHandshake(conn, protocol.EncodeStatus(protocol.StatusNotAllowed))
		return "", 0, err
	}
	if err := protocol.WriteHandshake(conn, protocol.EncodeStatus(protocol.StatusOK)); err != nil {
		return "", 0, err
	}

	ours := randomUint32()
	challenge := protocol.Challenge{Flags: id.Flags, Challenge: ours, Creation: id.Creation, Name: id.Name}
	if err := protocol.WriteHandshake(conn, challenge.Encode()); err != nil {
		return "", 0, err
	}

	body, err = protocol.ReadHandshake(conn)
	if err != nil {
		return "", 0, err
	}
	reply, err := protocol.DecodeChallengeReply(body)
	if err != nil {
		return "", 0, err
	}
	want := protocol.Digest(ours, cookie)
	if subtle.ConstantTimeCompare(reply.Digest[:], want[:]) != 1 {
		return "", 0, fmt.Errorf("%w: bad digest from %s", protocol.ErrAuthFailed, hello.Name)
	}

	if err := protocol.WriteHandshake(conn, protocol.EncodeChallengeAck(protocol.Digest(reply.Challenge, cookie))); err != nil {
		return "", 0, err
	}
	return hello.Name, hello.Flags, nil
}
