package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/samrose/pg-erl/codec"
	"github.com/samrose/pg-erl/protocol"
)

// Identity is how this process presents itself to a remote node.
type Identity struct {
	Name     string
	Creation uint32
	Flags    protocol.Flags
}

// NewIdentity builds a unique hidden-node identity
// "<prefix>_<pid>_<8 hex chars>@<host>" with a random creation.
func NewIdentity(prefix, host string) Identity {
	if prefix == "" {
		prefix = "pgerl"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return Identity{
		Name:     fmt.Sprintf("%s_%d_%s@%s", prefix, os.Getpid(), suffix, host),
		Creation: randomUint32(),
		Flags:    protocol.DefaultFlags,
	}
}

// Pid is the process identity used as the sender of outgoing calls.
func (id Identity) Pid() codec.Pid {
	return codec.Pid{Node: codec.Atom(id.Name), ID: 1, Creation: id.Creation}
}

// LocalHost picks the host part of the local node name. Remote runtimes
// refuse peers whose naming mode differs, so a short remote host gets a
// short local host and a dotted one gets the full name.
func LocalHost(configured, remoteHost string) string {
	if configured != "" {
		return configured
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	if !strings.Contains(remoteHost, ".") {
		if short, _, ok := strings.Cut(h, "."); ok {
			return short
		}
	}
	return h
}

// randomUint32 never returns 0, which the remote runtime treats as
// "creation unknown".
func randomUint32() uint32 {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return v
		}
	}
}
