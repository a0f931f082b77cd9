// Package pending keeps the table of asynchronous requests that were sent
// but whose replies may not have been read yet.
//
// Handles start at 1 and only grow. An entry moves from sent to completed
// exactly once; after that its cached reply never changes.
package pending

import (
	"errors"
	"slices"
	"sync"

	"github.com/samrose/pg-erl/codec"
)

var ErrUnknownHandle = errors.New("pending: unknown handle")

// Entry is a snapshot of one pending request.
type Entry struct {
	Handle    uint64
	Node      string
	ConnID    uint64 // connection the request was sent on
	Token     codec.Ref
	Completed bool
	Reply     []byte // encoded payload, set once on completion
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	entries  map[uint64]*Entry
	order    []uint64 // insertion order, kept only when bounded
	capacity int      // 0 means unbounded
}

// New creates a registry. With capacity > 0, inserting beyond it evicts the
// oldest completed entries; entries still waiting are never evicted.
func New(capacity int) *Registry {
	return &Registry{entries: make(map[uint64]*Entry), capacity: capacity}
}

// Add registers a request sent on connection connID with correlation token
// and returns its handle. evicted is the number of completed entries dropped
// to make room.
func (r *Registry) Add(node string, connID uint64, token codec.Ref) (handle uint64, evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity > 0 && len(r.entries) >= r.capacity {
		evicted = r.evictLocked(len(r.entries) - r.capacity + 1)
	}

	r.next++
	handle = r.next
	r.entries[handle] = &Entry{Handle: handle, Node: node, ConnID: connID, Token: token}
	if r.capacity > 0 {
		r.order = append(r.order, handle)
	}
	return handle, evicted
}

// evictLocked drops up to n completed entries, oldest first.
func (r *Registry) evictLocked(n int) int {
	dropped := 0
	kept := r.order[:0]
	for _, h := range r.order {
		e, ok := r.entries[h]
		if !ok {
			continue
		}
		if dropped < n && e.Completed {
			delete(r.entries, h)
			dropped++
			continue
		}
		kept = append(kept, h)
	}
	r.order = kept
	return dropped
}

// Get returns a copy of the entry for handle.
func (r *Registry) Get(handle uint64) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[handle]
	if !ok {
		return Entry{}, ErrUnknownHandle
	}
	return *e, nil
}

// Complete stores reply for handle. It reports false when the handle is
// unknown or was already completed, in which case nothing changes.
func (r *Registry) Complete(handle uint64, reply []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handle]
	if !ok || e.Completed {
		return false
	}
	e.Completed = true
	e.Reply = reply
	return true
}

// Match finds the uncompleted entry waiting for token.
func (r *Registry) Match(token codec.Ref) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for h, e := range r.entries {
		if !e.Completed && e.Token.Equal(token) {
			return h, true
		}
	}
	return 0, false
}

// Discard forgets handle. It reports whether the handle existed.
func (r *Registry) Discard(handle uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[handle]; !ok {
		return false
	}
	delete(r.entries, handle)
	if i := slices.Index(r.order, handle); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return true
}

// PendingCount is the number of entries not yet completed.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.Completed {
			n++
		}
	}
	return n
}

// Len is the number of entries, completed or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
