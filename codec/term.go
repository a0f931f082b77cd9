package codec

import (
	"fmt"
	"strings"
)

// Atom is an interned symbolic constant of the remote runtime.
type Atom string

// Tuple is a fixed-arity term. It only survives decoding in typed mode.
type Tuple []any

// Binary is a raw byte sequence.
type Binary []byte

// Pid identifies a process on a remote node.
type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

func (p Pid) String() string {
	return fmt.Sprintf("#Pid<%s.%d.%d>", p.Node, p.ID, p.Serial)
}

// Ref is a node-unique reference, used as the correlation token of a call.
type Ref struct {
	Node     Atom
	Creation uint32
	ID       []uint32
}

func (r Ref) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#Ref<%s.%d", r.Node, r.Creation)
	for _, id := range r.ID {
		fmt.Fprintf(&b, ".%d", id)
	}
	b.WriteByte('>')
	return b.String()
}

// Equal reports whether two references denote the same token.
func (r Ref) Equal(o Ref) bool {
	if r.Node != o.Node || r.Creation != o.Creation || len(r.ID) != len(o.ID) {
		return false
	}
	for i := range r.ID {
		if r.ID[i] != o.ID[i] {
			return false
		}
	}
	return true
}

// MapPair is one association of a decoded map term.
type MapPair struct {
	Key   any
	Value any
}

// Map keeps a decoded map term with arbitrary keys, in wire order.
type Map []MapPair

// Opaque stands in for a term the generic model has no shape for
// (ports, funs, unknown tags). Text is the placeholder shown to callers.
type Opaque struct {
	Tag  byte
	Text string
}
