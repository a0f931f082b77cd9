package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Decoder reads terms from an external term format buffer. Each call to Term
// or Value consumes exactly one complete term, nested terms included.
//
// Tags the decoder does not know cannot be skipped safely, so the first one
// halts the decoder: it is replaced by a placeholder, recorded in Degraded,
// and every later read yields a placeholder without consuming input.
type Decoder struct {
	data     []byte
	pos      int
	halted   bool
	degraded []byte
}

// NewDecoder strips a leading version byte if present.
func NewDecoder(data []byte) *Decoder {
	d := &Decoder{data: data}
	if len(data) > 0 && data[0] == VersionTag {
		d.pos = 1
	}
	return d
}

// Decode decodes one term from data into the generic value model.
// Unrecognised sub-terms degrade to placeholder strings instead of failing.
func Decode(data []byte) (any, error) {
	return NewDecoder(data).Value()
}

// Rest returns the unread part of the buffer.
func (d *Decoder) Rest() []byte { return d.data[d.pos:] }

// Degraded lists the tags that were replaced by placeholders.
func (d *Decoder) Degraded() []byte { return d.degraded }

// Value decodes the next term and collapses it into the generic model.
func (d *Decoder) Value() (any, error) {
	t, err := d.Term()
	if err != nil {
		return nil, err
	}
	return Collapse(t), nil
}

// Term decodes the next term keeping remote-only shapes typed
// (Atom, Tuple, Binary, Pid, Ref, Map, Opaque).
func (d *Decoder) Term() (any, error) {
	if d.halted {
		return Opaque{Text: "#Skipped"}, nil
	}
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case SmallIntegerTag:
		n, err := d.u8()
		return int64(n), err

	case IntegerTag:
		n, err := d.u32()
		return int64(int32(n)), err

	case SmallBigTag:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.bigInt(int(n))

	case LargeBigTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.bigInt(int(n))

	case NewFloatTag:
		bits, err := d.u64()
		return math.Float64frombits(bits), err

	case FloatTag:
		raw, err := d.take(floatTextLen)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimRight(string(raw), "\x00 "), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: float text: %v", ErrMalformed, err)
		}
		return f, nil

	case AtomTag, AtomUTF8Tag:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		return d.atomBody(int(n), tag == AtomUTF8Tag)

	case SmallAtomTag, SmallAtomUTF8Tag:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.atomBody(int(n), tag == SmallAtomUTF8Tag)

	case StringTag:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		raw, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		return text(raw), nil

	case BinaryTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		raw, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		return Binary(bytes.Clone(raw)), nil

	case BitBinaryTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if _, err := d.u8(); err != nil {
			return nil, err
		}
		raw, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		return Binary(bytes.Clone(raw)), nil

	case SmallTupleTag:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.tuple(int(n))

	case LargeTupleTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.tuple(int(n))

	case NilTag:
		return []any{}, nil

	case ListTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.list(int(n))

	case MapTag:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.pairs(int(n))

	case NewPidTag, PidTag:
		return d.pid(tag == NewPidTag)

	case NewPortTag, PortTag, V4PortTag:
		return d.port(tag)

	case NewerRefTag, NewRefTag:
		return d.ref(tag == NewerRefTag)

	case ReferenceTag:
		node, err := d.atom()
		if err != nil {
			return nil, err
		}
		id, err := d.u32()
		if err != nil {
			return nil, err
		}
		creation, err := d.u8()
		return Ref{Node: node, Creation: uint32(creation), ID: []uint32{id}}, err

	case ExportTag:
		mod, err := d.Term()
		if err != nil {
			return nil, err
		}
		fun, err := d.Term()
		if err != nil {
			return nil, err
		}
		arity, err := d.Term()
		if err != nil {
			return nil, err
		}
		return Opaque{Tag: tag, Text: fmt.Sprintf("#Fun<%v.%v.%v>", Collapse(mod), Collapse(fun), arity)}, nil

	case NewFunTag:
		size, err := d.u32()
		if err != nil {
			return nil, err
		}
		if size < 4 {
			return nil, fmt.Errorf("%w: fun size %d", ErrMalformed, size)
		}
		if _, err := d.take(int(size) - 4); err != nil {
			return nil, err
		}
		return Opaque{Tag: tag, Text: "#Fun<>"}, nil

	case CompressedTag:
		return d.compressed()

	default:
		d.halted = true
		d.degraded = append(d.degraded, tag)
		return Opaque{Tag: tag, Text: fmt.Sprintf("#Unknown<tag=%d>", tag)}, nil
	}
}

func (d *Decoder) atomBody(n int, utf bool) (Atom, error) {
	raw, err := d.take(n)
	if err != nil {
		return "", err
	}
	if utf {
		return Atom(raw), nil
	}
	return Atom(latin1(raw)), nil
}

// atom decodes the next term and requires it to be an atom (node names).
func (d *Decoder) atom() (Atom, error) {
	t, err := d.Term()
	if err != nil {
		return "", err
	}
	a, ok := t.(Atom)
	if !ok {
		return "", fmt.Errorf("%w: expected atom, got %T", ErrMalformed, t)
	}
	return a, nil
}

func (d *Decoder) bigInt(n int) (any, error) {
	sign, err := d.u8()
	if err != nil {
		return nil, err
	}
	digits, err := d.take(n)
	if err != nil {
		return nil, err
	}
	mag := make([]byte, n)
	for i, b := range digits {
		mag[n-1-i] = b
	}
	v := new(big.Int).SetBytes(mag)
	if sign != 0 {
		v.Neg(v)
	}
	if v.IsInt64() {
		return v.Int64(), nil
	}
	return v, nil
}

func (d *Decoder) tuple(n int) (Tuple, error) {
	out := make(Tuple, 0, d.capHint(n))
	for i := 0; i < n; i++ {
		elem, err := d.Term()
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
	}
	return out, nil
}

// list decodes n elements and the tail. A proper list ends in the empty-list
// tag, which is consumed and dropped; an improper tail becomes the last element.
func (d *Decoder) list(n int) ([]any, error) {
	out := make([]any, 0, d.capHint(n)+1)
	for i := 0; i < n; i++ {
		elem, err := d.Term()
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
	}
	if d.halted {
		return out, nil
	}
	if d.pos < len(d.data) && d.data[d.pos] == NilTag {
		d.pos++
		return out, nil
	}
	tail, err := d.Term()
	if err != nil {
		return nil, err
	}
	return append(out, tail), nil
}

func (d *Decoder) pairs(n int) (Map, error) {
	out := make(Map, 0, d.capHint(n))
	for i := 0; i < n; i++ {
		k, err := d.Term()
		if err != nil {
			return nil, err
		}
		v, err := d.Term()
		if err != nil {
			return nil, err
		}
		out = append(out, MapPair{Key: k, Value: v})
	}
	return out, nil
}

func (d *Decoder) pid(wide bool) (Pid, error) {
	node, err := d.atom()
	if err != nil {
		return Pid{}, err
	}
	id, err := d.u32()
	if err != nil {
		return Pid{}, err
	}
	serial, err := d.u32()
	if err != nil {
		return Pid{}, err
	}
	var creation uint32
	if wide {
		creation, err = d.u32()
	} else {
		var c byte
		c, err = d.u8()
		creation = uint32(c)
	}
	return Pid{Node: node, ID: id, Serial: serial, Creation: creation}, err
}

func (d *Decoder) port(tag byte) (Opaque, error) {
	node, err := d.atom()
	if err != nil {
		return Opaque{}, err
	}
	var id uint64
	if tag == V4PortTag {
		id, err = d.u64()
	} else {
		var n uint32
		n, err = d.u32()
		id = uint64(n)
	}
	if err != nil {
		return Opaque{}, err
	}
	creationLen := 4
	if tag == PortTag {
		creationLen = 1
	}
	if _, err := d.take(creationLen); err != nil {
		return Opaque{}, err
	}
	return Opaque{Tag: tag, Text: fmt.Sprintf("#Port<%s.%d>", node, id)}, nil
}

func (d *Decoder) ref(wide bool) (Ref, error) {
	n, err := d.u16()
	if err != nil {
		return Ref{}, err
	}
	node, err := d.atom()
	if err != nil {
		return Ref{}, err
	}
	var creation uint32
	if wide {
		creation, err = d.u32()
	} else {
		var c byte
		c, err = d.u8()
		creation = uint32(c)
	}
	if err != nil {
		return Ref{}, err
	}
	ids := make([]uint32, 0, d.capHint(int(n)))
	for i := 0; i < int(n); i++ {
		id, err := d.u32()
		if err != nil {
			return Ref{}, err
		}
		ids = append(ids, id)
	}
	return Ref{Node: node, Creation: creation, ID: ids}, nil
}

// compressed inflates a zlib-compressed term and decodes it in place. The
// compressed stream runs to the end of its zlib trailer.
func (d *Decoder) compressed() (any, error) {
	size, err := d.u32()
	if err != nil {
		return nil, err
	}
	src := bytes.NewReader(d.data[d.pos:])
	zr, err := zlib.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: compressed term: %v", ErrMalformed, err)
	}
	inflated := make([]byte, size)
	if _, err := io.ReadFull(zr, inflated); err != nil {
		return nil, fmt.Errorf("%w: compressed term: %v", ErrMalformed, err)
	}
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return nil, fmt.Errorf("%w: compressed term: %v", ErrMalformed, err)
	}
	_ = zr.Close()
	d.pos = len(d.data) - src.Len()

	inner := &Decoder{data: inflated}
	t, err := inner.Term()
	d.degraded = append(d.degraded, inner.degraded...)
	d.halted = d.halted || inner.halted
	return t, err
}

// capHint bounds preallocation by what the remaining input could hold.
func (d *Decoder) capHint(n int) int {
	if rest := len(d.data) - d.pos; n > rest {
		return rest
	}
	return n
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || n > len(d.data)-d.pos {
		return nil, ErrTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// text interprets a byte string: UTF-8 when valid, otherwise Latin-1.
func text(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return latin1(raw)
}

func latin1(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		b.WriteRune(rune(c))
	}
	return b.String()
}
