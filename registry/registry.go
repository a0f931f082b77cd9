package registry

import (
	"context"
	"time"
)

// NodeEntry records one live connection from a bridge process to a remote
// node, as published in a Directory.
type NodeEntry struct {
	Node        string    `json:"node"`         // remote node name
	Local       string    `json:"local"`        // local identity used for the connection
	Host        string    `json:"host"`         // host the bridge runs on
	ConnectedAt time.Time `json:"connected_at"` // handshake completion time
}

// Directory shares connection state between bridge processes.
type Directory interface {
	Register(ctx context.Context, entry NodeEntry, ttl int64) error
	Deregister(ctx context.Context, node, local string) error
	Discover(ctx context.Context, node string) ([]NodeEntry, error)
	Watch(ctx context.Context, node string) <-chan []NodeEntry
	Close() error
}
