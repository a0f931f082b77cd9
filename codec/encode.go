package codec

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"math/big"
	"sort"
)

// maxExactFloat is the largest magnitude below which every whole float64 is an
// exact integer.
const maxExactFloat = 1 << 53

// Encode converts v into a version-prefixed external term.
//
// Mapping: nil -> 'null', bool -> 'true'/'false', string -> string term,
// whole numbers -> integer terms, other numbers -> float, []any -> list,
// map[string]any -> map (or the escaped shape it requests).
func Encode(v any) ([]byte, error) {
	term, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	e := &encoder{buf: make([]byte, 0, 64)}
	e.buf = append(e.buf, VersionTag)
	if err := e.encode(term); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// EncodeTo encodes v into dst without growing it.
func EncodeTo(dst []byte, v any) (int, error) {
	data, err := Encode(v)
	if err != nil {
		return 0, err
	}
	if len(data) > len(dst) {
		return 0, ErrEncodeOverflow
	}
	return copy(dst, data), nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) encode(v any) error {
	switch t := v.(type) {
	case nil:
		return e.atom("null")
	case bool:
		if t {
			return e.atom("true")
		}
		return e.atom("false")
	case Atom:
		return e.atom(string(t))
	case string:
		e.string(t)
	case Binary:
		e.binary(t)
	case []byte:
		e.binary(t)
	case int:
		e.int64(int64(t))
	case int8:
		e.int64(int64(t))
	case int16:
		e.int64(int64(t))
	case int32:
		e.int64(int64(t))
	case int64:
		e.int64(t)
	case uint:
		e.uint64(uint64(t))
	case uint8:
		e.int64(int64(t))
	case uint16:
		e.int64(int64(t))
	case uint32:
		e.int64(int64(t))
	case uint64:
		e.uint64(t)
	case *big.Int:
		e.bigInt(t)
	case float32:
		return e.float(float64(t))
	case float64:
		return e.float(t)
	case json.Number:
		return e.number(t)
	case []any:
		return e.list(t)
	case Tuple:
		return e.tuple(t)
	case map[string]any:
		return e.mapping(t)
	case Map:
		return e.pairs(t)
	case Pid:
		return e.pid(t)
	case Ref:
		return e.ref(t)
	default:
		return unsupported("cannot encode %T", v)
	}
	return nil
}

func (e *encoder) atom(name string) error {
	if err := CheckAtom(name); err != nil {
		return err
	}
	if len(name) <= 0xff {
		e.buf = append(e.buf, SmallAtomUTF8Tag, byte(len(name)))
	} else {
		e.buf = append(e.buf, AtomUTF8Tag)
		e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(name)))
	}
	e.buf = append(e.buf, name...)
	return nil
}

// string uses the compact string tag up to 65535 bytes. Longer strings are
// written as a binary so they still decode as a string.
func (e *encoder) string(s string) {
	if len(s) > maxStringLen {
		e.binary([]byte(s))
		return
	}
	e.buf = append(e.buf, StringTag)
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) binary(b []byte) {
	e.buf = append(e.buf, BinaryTag)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) int64(n int64) {
	switch {
	case n >= 0 && n <= 0xff:
		e.buf = append(e.buf, SmallIntegerTag, byte(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		e.buf = append(e.buf, IntegerTag)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(int32(n)))
	default:
		e.bigInt(big.NewInt(n))
	}
}

func (e *encoder) uint64(n uint64) {
	if n <= math.MaxInt64 {
		e.int64(int64(n))
		return
	}
	e.bigInt(new(big.Int).SetUint64(n))
}

func (e *encoder) bigInt(b *big.Int) {
	if b.IsInt64() {
		if n := b.Int64(); n >= math.MinInt32 && n <= math.MaxInt32 {
			e.int64(n)
			return
		}
	}
	mag := b.Bytes()
	sign := byte(0)
	if b.Sign() < 0 {
		sign = 1
	}
	if len(mag) <= 0xff {
		e.buf = append(e.buf, SmallBigTag, byte(len(mag)), sign)
	} else {
		e.buf = append(e.buf, LargeBigTag)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(mag)))
		e.buf = append(e.buf, sign)
	}
	// digits are little-endian on the wire
	for i := len(mag) - 1; i >= 0; i-- {
		e.buf = append(e.buf, mag[i])
	}
}

func (e *encoder) float(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return unsupported("non-finite float %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxExactFloat {
		e.int64(int64(f))
		return nil
	}
	e.buf = append(e.buf, NewFloatTag)
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(f))
	return nil
}

func (e *encoder) number(n json.Number) error {
	if i, err := n.Int64(); err == nil {
		e.int64(i)
		return nil
	}
	if b, ok := new(big.Int).SetString(string(n), 10); ok {
		e.bigInt(b)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return unsupported("number %q: %v", n, err)
	}
	return e.float(f)
}

func (e *encoder) list(items []any) error {
	if len(items) == 0 {
		e.buf = append(e.buf, NilTag)
		return nil
	}
	e.buf = append(e.buf, ListTag)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(items)))
	for _, item := range items {
		if err := e.encode(item); err != nil {
			return err
		}
	}
	e.buf = append(e.buf, NilTag)
	return nil
}

func (e *encoder) tuple(elems Tuple) error {
	if len(elems) <= 0xff {
		e.buf = append(e.buf, SmallTupleTag, byte(len(elems)))
	} else {
		e.buf = append(e.buf, LargeTupleTag)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(elems)))
	}
	for _, elem := range elems {
		if err := e.encode(elem); err != nil {
			return err
		}
	}
	return nil
}

// mapping writes keys in sorted order so equal values always encode to
// identical bytes.
func (e *encoder) mapping(m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf = append(e.buf, MapTag)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(m)))
	for _, k := range keys {
		e.string(k)
		if err := e.encode(m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) pairs(m Map) error {
	e.buf = append(e.buf, MapTag)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(m)))
	for _, p := range m {
		if err := e.encode(p.Key); err != nil {
			return err
		}
		if err := e.encode(p.Value); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) pid(p Pid) error {
	e.buf = append(e.buf, NewPidTag)
	if err := e.atom(string(p.Node)); err != nil {
		return err
	}
	e.buf = binary.BigEndian.AppendUint32(e.buf, p.ID)
	e.buf = binary.BigEndian.AppendUint32(e.buf, p.Serial)
	e.buf = binary.BigEndian.AppendUint32(e.buf, p.Creation)
	return nil
}

func (e *encoder) ref(r Ref) error {
	if len(r.ID) == 0 || len(r.ID) > 5 {
		return unsupported("reference with %d id words", len(r.ID))
	}
	e.buf = append(e.buf, NewerRefTag)
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(r.ID)))
	if err := e.atom(string(r.Node)); err != nil {
		return err
	}
	e.buf = binary.BigEndian.AppendUint32(e.buf, r.Creation)
	for _, id := range r.ID {
		e.buf = binary.BigEndian.AppendUint32(e.buf, id)
	}
	return nil
}
