package protocol

import (
	"fmt"

	"github.com/samrose/pg-erl/codec"
)

var terms = codec.GetCodec(codec.CodecTypeTerm)

// Control message operations.
const (
	OpLink         = 1
	OpSend         = 2
	OpExit         = 3
	OpUnlink       = 4
	OpNodeLink     = 5
	OpRegSend      = 6
	OpGroupLeader  = 7
	OpExit2        = 8
	OpSendTT       = 12
	OpExitTT       = 13
	OpRegSendTT    = 16
	OpExit2TT      = 18
	OpMonitorP     = 19
	OpDemonitorP   = 20
	OpMonitorPExit = 21
	OpSendSender   = 22
	OpSendSenderTT = 23
	OpAliasSend    = 33
	OpAliasSendTT  = 34
)

// Message is one connected packet split into its control tuple and, for
// operations that carry one, the raw bytes of the message term.
type Message struct {
	Op      int
	Control codec.Tuple
	Payload []byte
}

// carriesPayload reports whether op is followed by a message term.
func carriesPayload(op int) bool {
	switch op {
	case OpSend, OpRegSend, OpSendTT, OpRegSendTT, OpSendSender,
		OpSendSenderTT, OpAliasSend, OpAliasSendTT:
		return true
	}
	return false
}

// ParseMessage splits a connected packet body. The payload is left encoded
// so the caller decides between typed and generic decoding.
func ParseMessage(body []byte) (*Message, error) {
	if len(body) == 0 || body[0] != PassThrough {
		return nil, ErrUnsupportedPacket
	}
	d := codec.NewDecoder(body[1:])
	t, err := d.Term()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadControlMessage, err)
	}
	ctl, ok := t.(codec.Tuple)
	if !ok || len(ctl) == 0 {
		return nil, fmt.Errorf("%w: control is %T", ErrBadControlMessage, t)
	}
	op, ok := ctl[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: operation is %T", ErrBadControlMessage, ctl[0])
	}

	m := &Message{Op: int(op), Control: ctl}
	if carriesPayload(m.Op) {
		if len(d.Rest()) == 0 {
			return nil, fmt.Errorf("%w: missing message for op %d", ErrBadControlMessage, op)
		}
		m.Payload = d.Rest()
	}
	return m, nil
}

// EncodeMessage builds a connected packet body from a control tuple and an
// optional message. A nil msg with a payload-carrying op encodes 'null'.
func EncodeMessage(control codec.Tuple, msg any) ([]byte, error) {
	ctl, err := terms.Encode(control)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 1+len(ctl)+64)
	body = append(body, PassThrough)
	body = append(body, ctl...)

	op, _ := control[0].(int)
	if !carriesPayload(op) {
		return body, nil
	}
	payload, err := terms.Encode(msg)
	if err != nil {
		return nil, err
	}
	return append(body, payload...), nil
}

// RegSend builds the control tuple of a send to a registered name.
func RegSend(from codec.Pid, name codec.Atom) codec.Tuple {
	return codec.Tuple{OpRegSend, from, codec.Atom(""), name}
}

// Send builds the control tuple of a send to a process.
func Send(to codec.Pid) codec.Tuple {
	return codec.Tuple{OpSend, codec.Atom(""), to}
}

// From returns the sending process, when the operation names one.
func (m *Message) From() (codec.Pid, bool) {
	if len(m.Control) < 2 {
		return codec.Pid{}, false
	}
	switch m.Op {
	case OpRegSend, OpRegSendTT, OpSendSender, OpSendSenderTT, OpAliasSend, OpAliasSendTT:
		pid, ok := m.Control[1].(codec.Pid)
		return pid, ok
	}
	return codec.Pid{}, false
}

// To returns the destination: a Pid, a registered name (Atom) or an alias (Ref).
func (m *Message) To() any {
	idx := 2
	switch m.Op {
	case OpRegSend, OpRegSendTT:
		idx = 3
	}
	if idx >= len(m.Control) {
		return nil
	}
	return m.Control[idx]
}
