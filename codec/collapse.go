package codec

import (
	"fmt"
	"strings"
)

// Collapse turns a typed term into the generic value model:
// atoms and binaries become strings, tuples become sequences, maps become
// string-keyed mappings, and pids/references/opaque terms become placeholder
// strings. Map keys that are not strings are replaced by "key_<position>".
// A key that would clash with one already taken gets a "_<n>" suffix, so no
// entry is lost.
func Collapse(t any) any {
	switch v := t.(type) {
	case Atom:
		return string(v)
	case Binary:
		return strings.ToValidUTF8(string(v), "\uFFFD")
	case Tuple:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Collapse(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Collapse(e)
		}
		return out
	case Map:
		out := make(map[string]any, len(v))
		var synthetic []int
		// string keys first, so real keys keep their text
		for i, p := range v {
			key, ok := Collapse(p.Key).(string)
			if !ok {
				synthetic = append(synthetic, i)
				continue
			}
			out[freeKey(out, key)] = Collapse(p.Value)
		}
		for _, i := range synthetic {
			out[freeKey(out, fmt.Sprintf("key_%d", i))] = Collapse(v[i].Value)
		}
		return out
	case Pid:
		return v.String()
	case Ref:
		return v.String()
	case Opaque:
		return v.Text
	default:
		return v
	}
}

func freeKey(m map[string]any, key string) string {
	if _, taken := m[key]; !taken {
		return key
	}
	for n := 1; ; n++ {
		k := fmt.Sprintf("%s_%d", key, n)
		if _, taken := m[k]; !taken {
			return k
		}
	}
}
