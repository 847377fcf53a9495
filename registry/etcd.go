// Package registry implements optional etcd-backed seed discovery: nodes
// register their mesh listen address under a lease and bootstrap their seed
// list from whatever is already registered. Once the first connection is
// up, gossip takes over; etcd is only consulted at the edges.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	prefix      = "/gmcast/nodes/"
	dialTimeout = 5 * time.Second
)

// NewClient connects to the given etcd endpoints.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// RegisterNode publishes id -> addr under a lease of ttl seconds and keeps
// the lease alive until the returned cancel func runs.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}

	key := prefix + id
	if _, err := cli.Put(context.TODO(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// GetPeers fetches every registered node except self.
func GetPeers(cli *clientv3.Client, selfID string) (map[string]string, error) {
	resp, err := cli.Get(context.TODO(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get peers: %w", err)
	}

	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), prefix)
		if id == selfID {
			continue
		}
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers invokes cb with the full peer set on every registry change.
func WatchPeers(cli *clientv3.Client, selfID string, cb func(peers map[string]string)) {
	go func() {
		for range cli.Watch(context.Background(), prefix, clientv3.WithPrefix()) {
			peers, err := GetPeers(cli, selfID)
			if err != nil {
				continue
			}
			cb(peers)
		}
	}()
}
