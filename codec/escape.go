package codec

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strings"
)

// EscapeKey marks a mapping as a request for a term shape the generic model
// cannot express. Mappings without it are always plain values.
//
//	{"__erl_type__": "atom",   "value": "ok"}
//	{"__erl_type__": "tuple",  "elements": [...]}
//	{"__erl_type__": "binary", "data": "...", "encoding": "utf8" | "base64"}
//	{"__erl_type__": "pid",    "node": "a@h", "id": 1, "serial": 0, "creation": 0}
const EscapeKey = "__erl_type__"

// Normalize replaces escape mappings anywhere inside v with the matching
// typed term (Atom, Tuple, Binary, Pid). Required fields are validated here so
// the encoder only ever sees well-formed variants.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if kind, ok := t[EscapeKey]; ok {
			return escape(t, kind)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case Tuple:
		out := make(Tuple, len(t))
		for i, val := range t {
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

func escape(obj map[string]any, kind any) (any, error) {
	name, _ := kind.(string)
	switch name {
	case "atom":
		s, ok := obj["value"].(string)
		if !ok {
			return nil, unsupported("atom escape needs a string \"value\"")
		}
		if err := CheckAtom(s); err != nil {
			return nil, err
		}
		return Atom(s), nil

	case "tuple":
		elems, ok := obj["elements"].([]any)
		if !ok {
			return nil, unsupported("tuple escape needs an \"elements\" array")
		}
		out := make(Tuple, len(elems))
		for i, e := range elems {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil

	case "binary":
		data, ok := obj["data"].(string)
		if !ok {
			return nil, unsupported("binary escape needs a string \"data\"")
		}
		enc, _ := obj["encoding"].(string)
		switch enc {
		case "", "utf8":
			return Binary(data), nil
		case "base64":
			raw, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, unsupported("binary escape: %v", err)
			}
			return Binary(raw), nil
		default:
			return nil, unsupported("binary escape: unknown encoding %q", enc)
		}

	case "pid":
		node, ok := obj["node"].(string)
		if !ok || !strings.Contains(node, "@") {
			return nil, unsupported("pid escape needs a \"node\" of the form name@host")
		}
		id, err := uintField(obj, "id", true)
		if err != nil {
			return nil, err
		}
		serial, err := uintField(obj, "serial", true)
		if err != nil {
			return nil, err
		}
		creation, err := uintField(obj, "creation", false)
		if err != nil {
			return nil, err
		}
		return Pid{Node: Atom(node), ID: id, Serial: serial, Creation: creation}, nil

	default:
		return nil, unsupported("unknown %s %v", EscapeKey, kind)
	}
}

func uintField(obj map[string]any, key string, required bool) (uint32, error) {
	raw, ok := obj[key]
	if !ok {
		if required {
			return 0, unsupported("pid escape needs %q", key)
		}
		return 0, nil
	}
	var f float64
	switch n := raw.(type) {
	case json.Number:
		v, err := n.Int64()
		if err != nil {
			return 0, unsupported("pid field %q: %v", key, err)
		}
		f = float64(v)
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		return n, nil
	default:
		return 0, unsupported("pid field %q must be a number", key)
	}
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, unsupported("pid field %q out of range", key)
	}
	return uint32(f), nil
}
