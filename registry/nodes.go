// Package registry tracks live node connections.
//
// NodeRegistry is the in-process table every engine operation consults.
// A Directory optionally publishes the same information to etcd so other
// processes can see which nodes this one is connected to.
package registry

import (
	"io"
	"sort"
	"sync"
)

// Conn is what the table stores: something closable that can be compared
// for identity.
type Conn interface {
	comparable
	io.Closer
}

// NodeRegistry maps node names to their single live connection.
type NodeRegistry[C Conn] struct {
	mu    sync.RWMutex
	conns map[string]C
}

func NewNodeRegistry[C Conn]() *NodeRegistry[C] {
	return &NodeRegistry[C]{conns: make(map[string]C)}
}

// Put installs c for node and returns the connection it replaced, if any.
// Closing the replaced connection is the caller's job.
func (r *NodeRegistry[C]) Put(node string, c C) (prev C, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, replaced = r.conns[node]
	r.conns[node] = c
	return prev, replaced
}

func (r *NodeRegistry[C]) Get(node string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[node]
	return c, ok
}

// Remove deletes and returns the entry for node.
func (r *NodeRegistry[C]) Remove(node string) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[node]
	if ok {
		delete(r.conns, node)
	}
	return c, ok
}

// RemoveIf deletes the entry for node only while it is still c, so a
// failure seen on an old connection never drops its replacement.
func (r *NodeRegistry[C]) RemoveIf(node string, c C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[node]; ok && cur == c {
		delete(r.conns, node)
		return true
	}
	return false
}

// Nodes lists the registered node names in order.
func (r *NodeRegistry[C]) Nodes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *NodeRegistry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll empties the table and closes every connection.
func (r *NodeRegistry[C]) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]C)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
