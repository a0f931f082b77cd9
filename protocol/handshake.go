package protocol

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Handshake message tags.
const (
	TagName           byte = 'N' // send_name / challenge, version 6
	TagNameV5         byte = 'n' // send_name / challenge, version 5
	TagStatus         byte = 's'
	TagChallengeReply byte = 'r'
	TagChallengeAck   byte = 'a'
	TagComplement     byte = 'c'

	DistVersionLow  = 5
	DistVersionHigh = 6
)

// Handshake status values sent by the accepting node.
const (
	StatusOK             = "ok"
	StatusOKSimultaneous = "ok_simultaneous"
	StatusNOK            = "nok"
	StatusNotAllowed     = "not_allowed"
	StatusAlive          = "alive"
)

// Name is the initiator's send_name message.
type Name struct {
	Flags    Flags
	Creation uint32
	Name     string
}

func (m Name) Encode() []byte {
	buf := make([]byte, 0, 15+len(m.Name))
	buf = append(buf, TagName)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Flags))
	buf = binary.BigEndian.AppendUint32(buf, m.Creation)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Name)))
	return append(buf, m.Name...)
}

// DecodeName parses a version 6 send_name message.
func DecodeName(body []byte) (Name, error) {
	if len(body) < 15 || body[0] != TagName {
		return Name{}, fmt.Errorf("%w: send_name", ErrBadHandshake)
	}
	n := int(binary.BigEndian.Uint16(body[13:15]))
	if len(body) != 15+n {
		return Name{}, fmt.Errorf("%w: send_name length", ErrBadHandshake)
	}
	return Name{
		Flags:    Flags(binary.BigEndian.Uint64(body[1:9])),
		Creation: binary.BigEndian.Uint32(body[9:13]),
		Name:     string(body[15:]),
	}, nil
}

// EncodeStatus builds a status message.
func EncodeStatus(status string) []byte {
	return append([]byte{TagStatus}, status...)
}

// DecodeStatus parses a status message.
func DecodeStatus(body []byte) (string, error) {
	if len(body) < 1 || body[0] != TagStatus {
		return "", fmt.Errorf("%w: status", ErrBadHandshake)
	}
	return string(body[1:]), nil
}

// Challenge is the acceptor's challenge. Legacy marks the version 5 form.
type Challenge struct {
	Flags     Flags
	Challenge uint32
	Creation  uint32
	Name      string
	Legacy    bool
}

func (m Challenge) Encode() []byte {
	buf := make([]byte, 0, 19+len(m.Name))
	if m.Legacy {
		buf = append(buf, TagNameV5)
		buf = binary.BigEndian.AppendUint16(buf, DistVersionLow)
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.Flags))
		buf = binary.BigEndian.AppendUint32(buf, m.Challenge)
		return append(buf, m.Name...)
	}
	buf = append(buf, TagName)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Flags))
	buf = binary.BigEndian.AppendUint32(buf, m.Challenge)
	buf = binary.BigEndian.AppendUint32(buf, m.Creation)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Name)))
	return append(buf, m.Name...)
}

// DecodeChallenge parses either challenge form.
func DecodeChallenge(body []byte) (Challenge, error) {
	if len(body) < 1 {
		return Challenge{}, fmt.Errorf("%w: empty challenge", ErrBadHandshake)
	}
	switch body[0] {
	case TagName:
		if len(body) < 19 {
			return Challenge{}, fmt.Errorf("%w: challenge", ErrBadHandshake)
		}
		n := int(binary.BigEndian.Uint16(body[17:19]))
		if len(body) != 19+n {
			return Challenge{}, fmt.Errorf("%w: challenge length", ErrBadHandshake)
		}
		return Challenge{
			Flags:     Flags(binary.BigEndian.Uint64(body[1:9])),
			Challenge: binary.BigEndian.Uint32(body[9:13]),
			Creation:  binary.BigEndian.Uint32(body[13:17]),
			Name:      string(body[19:]),
		}, nil
	case TagNameV5:
		if len(body) < 11 {
			return Challenge{}, fmt.Errorf("%w: v5 challenge", ErrBadHandshake)
		}
		return Challenge{
			Flags:     Flags(binary.BigEndian.Uint32(body[3:7])),
			Challenge: binary.BigEndian.Uint32(body[7:11]),
			Name:      string(body[11:]),
			Legacy:    true,
		}, nil
	default:
		return Challenge{}, fmt.Errorf("%w: unexpected tag %q", ErrBadHandshake, body[0])
	}
}

// ChallengeReply answers the peer's challenge and carries our own.
type ChallengeReply struct {
	Challenge uint32
	Digest    [16]byte
}

func (m ChallengeReply) Encode() []byte {
	buf := make([]byte, 0, 21)
	buf = append(buf, TagChallengeReply)
	buf = binary.BigEndian.AppendUint32(buf, m.Challenge)
	return append(buf, m.Digest[:]...)
}

func DecodeChallengeReply(body []byte) (ChallengeReply, error) {
	if len(body) != 21 || body[0] != TagChallengeReply {
		return ChallengeReply{}, fmt.Errorf("%w: challenge reply", ErrBadHandshake)
	}
	m := ChallengeReply{Challenge: binary.BigEndian.Uint32(body[1:5])}
	copy(m.Digest[:], body[5:])
	return m, nil
}

// EncodeChallengeAck builds the acceptor's final message.
func EncodeChallengeAck(digest [16]byte) []byte {
	return append([]byte{TagChallengeAck}, digest[:]...)
}

func DecodeChallengeAck(body []byte) ([16]byte, error) {
	var digest [16]byte
	if len(body) != 17 || body[0] != TagChallengeAck {
		return digest, fmt.Errorf("%w: challenge ack", ErrBadHandshake)
	}
	copy(digest[:], body[1:])
	return digest, nil
}

// Digest proves knowledge of the shared cookie: md5(cookie ++ decimal(challenge)).
func Digest(challenge uint32, cookie string) [16]byte {
	return md5.Sum([]byte(cookie + strconv.FormatUint(uint64(challenge), 10)))
}
