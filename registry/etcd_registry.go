// EtcdDirectory publishes node connections to etcd:
//
//	Key:   /pg-erl/nodes/{Node}/{Local}
//	Value: JSON-encoded NodeEntry
//
// Entries are attached to a TTL lease that is kept alive while the
// connection lives. If the process dies the lease expires and the entry
// disappears on its own.

package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/pg-erl/nodes/"

// EtcdDirectory implements Directory on etcd v3.
type EtcdDirectory struct {
	client *clientv3.Client
	log    zerolog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, revoked on Deregister
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(endpoints []string, dialTimeout time.Duration) (*EtcdDirectory, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdDirectory{
		client: c,
		log:    log.With().Str("component", "directory").Logger(),
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func entryKey(node, local string) string {
	return keyPrefix + node + "/" + local
}

// Register publishes entry under a lease of ttl seconds and keeps it alive.
func (d *EtcdDirectory) Register(ctx context.Context, entry NodeEntry, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := entryKey(entry.Node, entry.Local)
	if _, err := d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// the keep-alive must outlive ctx, it ends when the lease is revoked
	ch, err := d.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()

	d.mu.Lock()
	d.leases[key] = lease.ID
	d.mu.Unlock()
	return nil
}

// Deregister removes the entry and revokes its lease.
func (d *EtcdDirectory) Deregister(ctx context.Context, node, local string) error {
	key := entryKey(node, local)
	d.mu.Lock()
	lease, ok := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()

	if ok {
		// revoking deletes every key attached to the lease
		_, err := d.client.Revoke(ctx, lease)
		return err
	}
	_, err := d.client.Delete(ctx, key)
	return err
}

// Discover returns every published connection to node. An empty node lists
// all entries.
func (d *EtcdDirectory) Discover(ctx context.Context, node string) ([]NodeEntry, error) {
	resp, err := d.client.Get(ctx, prefixFor(node), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	entries := make([]NodeEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry NodeEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			d.log.Warn().Str("key", string(kv.Key)).Err(err).Msg("skipping malformed entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Watch emits the full entry list for node after every change until ctx ends.
func (d *EtcdDirectory) Watch(ctx context.Context, node string) <-chan []NodeEntry {
	ch := make(chan []NodeEntry, 1)

	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, prefixFor(node), clientv3.WithPrefix())
		for range watchChan {
			// re-reading is simpler than applying individual events
			entries, err := d.Discover(ctx, node)
			if err != nil {
				d.log.Debug().Err(err).Msg("watch refresh failed")
				continue
			}
			select {
			case ch <- entries:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close revokes outstanding leases and closes the etcd client.
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	leases := d.leases
	d.leases = make(map[string]clientv3.LeaseID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, lease := range leases {
		_, _ = d.client.Revoke(ctx, lease)
	}
	return d.client.Close()
}

func prefixFor(node string) string {
	if node == "" {
		return keyPrefix
	}
	return keyPrefix + node + "/"
}
