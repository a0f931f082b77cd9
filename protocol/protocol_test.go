package protocol

import (
	"bytes"
	"crypto/md5"
	"testing"

	"github.com/samrose/pg-erl/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, []byte("hello world")))
	require.NoError(t, WritePacket(&buf, nil))

	assert.Equal(t, []byte{0, 0, 0, 11}, buf.Bytes()[:4])

	body, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), body)

	tick, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.NotNil(t, tick)
	assert.Empty(t, tick)
}

func TestPacketTooLarge(t *testing.T) {
	buf := bytes.NewReader([]byte{0x7f, 0xff, 0xff, 0xff})
	_, err := ReadPacket(buf)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestHandshakeFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, EncodeStatus(StatusOK)))
	assert.Equal(t, []byte{0, 3, 's', 'o', 'k'}, buf.Bytes())

	body, err := ReadHandshake(&buf)
	require.NoError(t, err)
	status, err := DecodeStatus(body)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	assert.ErrorIs(t, WriteHandshake(&buf, make([]byte, 0x10000)), ErrPacketTooLarge)
}

func TestNameMessage(t *testing.T) {
	in := Name{Flags: DefaultFlags, Creation: 0xdeadbeef, Name: "pg_1_abcd1234@localhost"}
	data := in.Encode()
	assert.Equal(t, TagName, data[0])
	assert.Len(t, data, 15+len(in.Name))

	out, err := DecodeName(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeName(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestChallengeMessage(t *testing.T) {
	in := Challenge{Flags: DefaultFlags, Challenge: 42, Creation: 7, Name: "app@host"}
	out, err := DecodeChallenge(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	legacy := Challenge{Flags: FlagExtendedReferences, Challenge: 99, Name: "old@host", Legacy: true}
	data := legacy.Encode()
	assert.Equal(t, TagNameV5, data[0])
	out, err = DecodeChallenge(data)
	require.NoError(t, err)
	assert.Equal(t, legacy, out)

	_, err = DecodeChallenge([]byte{'x'})
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestChallengeReplyAndAck(t *testing.T) {
	reply := ChallengeReply{Challenge: 1234, Digest: Digest(5678, "secret")}
	out, err := DecodeChallengeReply(reply.Encode())
	require.NoError(t, err)
	assert.Equal(t, reply, out)

	digest, err := DecodeChallengeAck(EncodeChallengeAck(reply.Digest))
	require.NoError(t, err)
	assert.Equal(t, reply.Digest, digest)

	_, err = DecodeChallengeAck([]byte{TagChallengeAck, 1})
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestDigest(t *testing.T) {
	want := md5.Sum([]byte("cookie12345"))
	assert.Equal(t, want, Digest(12345, "cookie"))
	assert.NotEqual(t, Digest(12345, "cookie"), Digest(12345, "other"))
}

func TestFlags(t *testing.T) {
	assert.True(t, DefaultFlags.Has(FlagUTF8Atoms|FlagMapTag))
	assert.True(t, DefaultFlags.Has(FlagHandshake23))
	assert.False(t, DefaultFlags.Has(FlagPublished))
}

func TestPortPlease(t *testing.T) {
	assert.Equal(t, []byte{'z', 'a', 'p', 'p'}, EncodePortPlease("app"))

	var buf bytes.Buffer
	info := &NodeInfo{Name: "app", Port: 9100, NodeType: NodeTypeNormal, Protocol: 0, HighVersion: 6, LowVersion: 5}
	require.NoError(t, WritePortResponse(&buf, info))

	got, err := ReadPortResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(9100), got.Port)
	assert.Equal(t, "app", got.Name)
	assert.Equal(t, uint16(6), got.HighVersion)
	assert.Empty(t, got.Extra)

	buf.Reset()
	require.NoError(t, WritePortResponse(&buf, nil))
	_, err = ReadPortResponse(&buf)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = ReadPortResponse(bytes.NewReader([]byte{'q', 0}))
	assert.ErrorIs(t, err, ErrBadEPMDResponse)
}

func TestAlive2(t *testing.T) {
	info := NodeInfo{Name: "srv", Port: 4000, NodeType: NodeTypeHidden, HighVersion: 6, LowVersion: 5}
	out, err := DecodeAlive2(EncodeAlive2(info))
	require.NoError(t, err)
	assert.Equal(t, info, out)

	var buf bytes.Buffer
	require.NoError(t, WriteAlive2Response(&buf, true, 77))
	creation, err := ReadAlive2Response(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), creation)

	buf.Reset()
	require.NoError(t, WriteAlive2Response(&buf, false, 0))
	_, err = ReadAlive2Response(&buf)
	assert.ErrorIs(t, err, ErrHandshakeRefused)
}

func TestControlMessage(t *testing.T) {
	self := codec.Pid{Node: "pg@localhost", ID: 1, Serial: 0, Creation: 3}
	body, err := EncodeMessage(RegSend(self, "rex"), codec.Tuple{codec.Atom("hello"), 1})
	require.NoError(t, err)
	assert.Equal(t, PassThrough, body[0])

	m, err := ParseMessage(body)
	require.NoError(t, err)
	assert.Equal(t, OpRegSend, m.Op)
	assert.Equal(t, codec.Atom("rex"), m.To())
	from, ok := m.From()
	require.True(t, ok)
	assert.Equal(t, self, from)

	payload, err := codec.NewDecoder(m.Payload).Term()
	require.NoError(t, err)
	assert.Equal(t, codec.Tuple{codec.Atom("hello"), int64(1)}, payload)
}

func TestControlMessageWithoutPayload(t *testing.T) {
	to := codec.Pid{Node: "a@h", ID: 5}
	body, err := EncodeMessage(codec.Tuple{OpLink, to, to}, nil)
	require.NoError(t, err)

	m, err := ParseMessage(body)
	require.NoError(t, err)
	assert.Equal(t, OpLink, m.Op)
	assert.Nil(t, m.Payload)
}

func TestParseMessageErrors(t *testing.T) {
	_, err := ParseMessage([]byte{'q'})
	assert.ErrorIs(t, err, ErrUnsupportedPacket)

	ctl, err := codec.Encode(codec.Tuple{OpRegSend, codec.Pid{Node: "a@h"}, codec.Atom(""), codec.Atom("rex")})
	require.NoError(t, err)
	_, err = ParseMessage(append([]byte{PassThrough}, ctl...))
	assert.ErrorIs(t, err, ErrBadControlMessage)

	notTuple, err := codec.Encode("x")
	require.NoError(t, err)
	_, err = ParseMessage(append([]byte{PassThrough}, notTuple...))
	assert.ErrorIs(t, err, ErrBadControlMessage)
}

func TestSplitNodeName(t *testing.T) {
	alias, host, err := SplitNodeName("app@db1.local")
	require.NoError(t, err)
	assert.Equal(t, "app", alias)
	assert.Equal(t, "db1.local", host)

	for _, bad := range []string{"", "app", "@host", "app@", "a@b@c"} {
		_, _, err := SplitNodeName(bad)
		assert.ErrorIs(t, err, ErrInvalidNodeName, bad)
	}
}
