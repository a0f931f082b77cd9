package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeExampleMapping(t *testing.T) {
	value := map[string]any{"a": []any{1, 2.5, "x", nil, true}}

	data, err := Encode(value)
	require.NoError(t, err)

	want := []byte{VersionTag, MapTag, 0, 0, 0, 1, StringTag, 0, 1, 'a', ListTag, 0, 0, 0, 5, SmallIntegerTag, 1, NewFloatTag}
	want = binary.BigEndian.AppendUint64(want, math.Float64bits(2.5))
	want = append(want, StringTag, 0, 1, 'x')
	want = append(want, SmallAtomUTF8Tag, 4, 'n', 'u', 'l', 'l')
	want = append(want, SmallAtomUTF8Tag, 4, 't', 'r', 'u', 'e')
	want = append(want, NilTag)
	assert.Equal(t, want, data)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{int64(1), 2.5, "x", "null", "true"}}, decoded)
}

func TestRoundTrip(t *testing.T) {
	huge, _ := new(big.Int).SetString("1180591620717411303424", 10) // 2^70
	negHuge := new(big.Int).Neg(huge)

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"null", nil, "null"},
		{"false", false, "false"},
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"small int", 42, int64(42)},
		{"int", 300, int64(300)},
		{"negative", -5, int64(-5)},
		{"int64 beyond int32", int64(1) << 40, int64(1) << 40},
		{"min int64", int64(math.MinInt64), int64(math.MinInt64)},
		{"big", huge, huge},
		{"negative big", negHuge, negHuge},
		{"whole float", 3.0, int64(3)},
		{"float", -0.125, -0.125},
		{"json integer", json.Number("7"), int64(7)},
		{"json float", json.Number("1.5"), 1.5},
		{"json big", json.Number("1180591620717411303424"), huge},
		{"empty list", []any{}, []any{}},
		{"nested", map[string]any{"k": map[string]any{"l": []any{"a", []any{}}}, "z": 1},
			map[string]any{"k": map[string]any{"l": []any{"a", []any{}}}, "z": int64(1)}},
		{"empty map", map[string]any{}, map[string]any{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.in)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			if want, ok := tc.want.(*big.Int); ok {
				gotBig, ok := got.(*big.Int)
				require.True(t, ok, "want *big.Int, got %T", got)
				assert.Zero(t, want.Cmp(gotBig))
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEscapeEncoding(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want any
	}{
		{"atom", map[string]any{EscapeKey: "atom", "value": "ok"}, "ok"},
		{"atom true", map[string]any{EscapeKey: "atom", "value": "true"}, "true"},
		{"tuple", map[string]any{EscapeKey: "tuple", "elements": []any{
			map[string]any{EscapeKey: "atom", "value": "ok"}, json.Number("1"),
		}}, []any{"ok", int64(1)}},
		{"binary", map[string]any{EscapeKey: "binary", "data": "hi"}, "hi"},
		{"binary base64", map[string]any{EscapeKey: "binary", "data": "aGk=", "encoding": "base64"}, "hi"},
		{"pid", map[string]any{EscapeKey: "pid", "node": "a@h", "id": json.Number("1"), "serial": 2.0}, "#Pid<a@h.1.2>"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.in)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEscapeTypedShapes(t *testing.T) {
	term, err := Normalize([]any{
		map[string]any{EscapeKey: "atom", "value": "x"},
		map[string]any{"plain": map[string]any{EscapeKey: "binary", "data": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{Atom("x"), map[string]any{"plain": Binary("b")}}, term)

	data, err := Encode(map[string]any{EscapeKey: "atom", "value": "ok"})
	require.NoError(t, err)
	assert.Equal(t, []byte{VersionTag, SmallAtomUTF8Tag, 2, 'o', 'k'}, data)
}

func TestEncodeUnsupported(t *testing.T) {
	bad := []any{
		map[string]any{EscapeKey: "port"},
		map[string]any{EscapeKey: "atom"},
		map[string]any{EscapeKey: "tuple", "elements": "nope"},
		map[string]any{EscapeKey: "binary", "data": "%%", "encoding": "base64"},
		map[string]any{EscapeKey: "pid", "node": "nohost", "id": 1, "serial": 1},
		map[string]any{EscapeKey: "pid", "node": "a@h", "id": -1, "serial": 1},
		[]any{map[string]any{EscapeKey: 7}},
		math.NaN(),
		math.Inf(1),
		struct{}{},
	}
	for _, v := range bad {
		_, err := Encode(v)
		assert.ErrorIs(t, err, ErrUnsupportedValue, "value %#v", v)
	}
}

func TestEncodeToOverflow(t *testing.T) {
	small := make([]byte, 4)
	_, err := EncodeTo(small, "longer than four bytes")
	assert.ErrorIs(t, err, ErrEncodeOverflow)

	big := make([]byte, 64)
	n, err := EncodeTo(big, "ok")
	require.NoError(t, err)
	assert.Equal(t, []byte{VersionTag, StringTag, 0, 2, 'o', 'k'}, big[:n])
}

func TestEncodeLongString(t *testing.T) {
	long := string(bytes.Repeat([]byte{'a'}, maxStringLen+1))
	data, err := Encode(long)
	require.NoError(t, err)
	assert.Equal(t, byte(BinaryTag), data[1])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, long, got)

	doc := map[string]any{long: "v", "s": long}
	data, err = Encode(doc)
	require.NoError(t, err)
	got, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestDecodeMapKeysKeepEveryEntry(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want map[string]any
	}{
		{
			"synthetic key clashes with a real one",
			[]byte{VersionTag, MapTag, 0, 0, 0, 2,
				SmallIntegerTag, 1, SmallAtomUTF8Tag, 1, 'x',
				BinaryTag, 0, 0, 0, 5, 'k', 'e', 'y', '_', '0', SmallAtomUTF8Tag, 1, 'y'},
			map[string]any{"key_0": "y", "key_0_1": "x"},
		},
		{
			"atom and binary with the same text",
			[]byte{VersionTag, MapTag, 0, 0, 0, 2,
				SmallAtomUTF8Tag, 1, 'a', SmallIntegerTag, 1,
				BinaryTag, 0, 0, 0, 1, 'a', SmallIntegerTag, 2},
			map[string]any{"a": int64(1), "a_1": int64(2)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAtomLengthLimit(t *testing.T) {
	ok := strings.Repeat("é", maxAtomChars)
	data, err := Encode(map[string]any{EscapeKey: "atom", "value": ok})
	require.NoError(t, err)
	assert.Equal(t, byte(AtomUTF8Tag), data[1])

	_, err = Encode(map[string]any{EscapeKey: "atom", "value": strings.Repeat("a", maxAtomChars+1)})
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = Encode(Atom(strings.Repeat("a", 300)))
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	assert.ErrorIs(t, CheckAtom(strings.Repeat("a", 300)), ErrUnsupportedValue)
	assert.NoError(t, CheckAtom("lists"))
}

func TestDecodeShapes(t *testing.T) {
	oldFloat := append([]byte{VersionTag, FloatTag}, []byte("2.50000000000000000000e+00")...)
	oldFloat = append(oldFloat, make([]byte, floatTextLen-26)...)

	cases := []struct {
		name string
		in   []byte
		want any
	}{
		{"tuple", []byte{VersionTag, SmallTupleTag, 2, SmallIntegerTag, 1, SmallIntegerTag, 2}, []any{int64(1), int64(2)}},
		{"no version byte", []byte{SmallIntegerTag, 9}, int64(9)},
		{"integer key", []byte{VersionTag, MapTag, 0, 0, 0, 1, SmallIntegerTag, 7, StringTag, 0, 1, 'v'}, map[string]any{"key_0": "v"}},
		{"atom key", []byte{VersionTag, MapTag, 0, 0, 0, 1, SmallAtomUTF8Tag, 1, 'k', NilTag}, map[string]any{"k": []any{}}},
		{"improper list", []byte{VersionTag, ListTag, 0, 0, 0, 1, SmallIntegerTag, 1, SmallIntegerTag, 2}, []any{int64(1), int64(2)}},
		{"invalid utf8 binary", []byte{VersionTag, BinaryTag, 0, 0, 0, 2, 0xff, 'a'}, "�a"},
		{"latin1 atom", []byte{VersionTag, AtomTag, 0, 1, 0xe9}, "é"},
		{"negative integer", []byte{VersionTag, IntegerTag, 0xff, 0xff, 0xff, 0xfe}, int64(-2)},
		{"old float", oldFloat, 2.5},
		{"port", []byte{VersionTag, NewPortTag, SmallAtomUTF8Tag, 3, 'n', '@', 'h', 0, 0, 0, 7, 0, 0, 0, 1}, "#Port<n@h.7>"},
		{"bit binary", []byte{VersionTag, BitBinaryTag, 0, 0, 0, 1, 3, 'z'}, "z"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeUnknownTagDegrades(t *testing.T) {
	data := []byte{VersionTag, ListTag, 0, 0, 0, 2, SmallIntegerTag, 1, 200, 1, 2, 3}

	d := NewDecoder(data)
	got, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "#Unknown<tag=200>"}, got)
	assert.Equal(t, []byte{200}, d.Degraded())
	assert.ErrorIs(t, DegradedError(d.Degraded()), ErrDecodeDegraded)
	assert.NoError(t, DegradedError(nil))
}

func TestDecodeTruncated(t *testing.T) {
	inputs := [][]byte{
		{VersionTag, StringTag, 0, 5, 'a'},
		{VersionTag, ListTag, 0, 0, 0, 3, SmallIntegerTag, 1},
		{VersionTag, NewFloatTag, 0, 0},
		{VersionTag},
	}
	for _, in := range inputs {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrTruncated, "input %v", in)
	}
}

func TestDecodeConsumesExactly(t *testing.T) {
	first, err := Encode(map[string]any{"a": []any{1, "b"}})
	require.NoError(t, err)
	second, err := Encode("tail")
	require.NoError(t, err)

	buf := append(append([]byte{}, first...), second[1:]...)
	d := NewDecoder(buf)
	_, err = d.Value()
	require.NoError(t, err)
	assert.Len(t, d.Rest(), len(second)-1)

	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "tail", v)
	assert.Empty(t, d.Rest())
}

func TestDecodeCompressed(t *testing.T) {
	inner, err := Encode([]any{"compressed", 1})
	require.NoError(t, err)
	body := inner[1:]

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	_, err = zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	data := []byte{VersionTag, CompressedTag}
	data = binary.BigEndian.AppendUint32(data, uint32(len(body)))
	data = append(data, zbuf.Bytes()...)

	d := NewDecoder(data)
	got, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, []any{"compressed", int64(1)}, got)
	assert.Empty(t, d.Rest())
}

func TestTypedTerms(t *testing.T) {
	ref := Ref{Node: "n@h", Creation: 3, ID: []uint32{1, 2, 3}}
	pid := Pid{Node: "n@h", ID: 10, Serial: 1, Creation: 3}
	data, err := Encode(Tuple{Atom("reply"), ref, pid})
	require.NoError(t, err)

	term, err := NewDecoder(data).Term()
	require.NoError(t, err)
	tuple, ok := term.(Tuple)
	require.True(t, ok)
	require.Len(t, tuple, 3)
	assert.Equal(t, Atom("reply"), tuple[0])
	assert.True(t, ref.Equal(tuple[1].(Ref)))
	assert.Equal(t, pid, tuple[2])
}

func TestDecodeResponse(t *testing.T) {
	rex := []byte{VersionTag, SmallTupleTag, 2, SmallAtomUTF8Tag, 3, 'r', 'e', 'x', SmallIntegerTag, 5}
	v, err := DecodeResponse(rex)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	ref := Ref{Node: "n@h", Creation: 1, ID: []uint32{9, 9, 9}}
	withRef, err := Encode(Tuple{ref, map[string]any{"ok": true}})
	require.NoError(t, err)
	tok, _, ok := SplitReply(withRef)
	require.True(t, ok)
	assert.True(t, ref.Equal(tok.(Ref)))
	v, err = DecodeResponse(withRef)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": "true"}, v)

	plain, err := Encode(Tuple{1, 2})
	require.NoError(t, err)
	v, err = DecodeResponse(plain)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, v)
}

func TestTermCodec(t *testing.T) {
	cdc := GetCodec(CodecTypeTerm)
	assert.Equal(t, CodecTypeTerm, cdc.Type())

	data, err := cdc.Encode([]any{"a", 1})
	require.NoError(t, err)

	var out any
	require.NoError(t, cdc.Decode(data, &out))
	assert.Equal(t, []any{"a", int64(1)}, out)

	var wrong string
	assert.Error(t, cdc.Decode(data, &wrong))
}

func TestJSONCodec(t *testing.T) {
	cdc := GetCodec(CodecTypeJSON)
	assert.Equal(t, CodecTypeJSON, cdc.Type())

	var v any
	require.NoError(t, cdc.Decode([]byte(`{"n": 12345678901234567890, "f": 1.5, "l": [null]}`), &v))
	m := v.(map[string]any)
	assert.Equal(t, json.Number("12345678901234567890"), m["n"])

	term, err := Encode(v)
	require.NoError(t, err)
	back, err := Decode(term)
	require.NoError(t, err)

	out, err := cdc.Encode(back)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 12345678901234567890, "f": 1.5, "l": ["null"]}`, string(out))
}
