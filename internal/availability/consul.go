package availability

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
)

// ConsulPrefix is the KV folder holding one key per worker port.
const ConsulPrefix = "llamaswarm/workers/"

// ConsulStore implements Store on the Consul KV API.
type ConsulStore struct {
	kv     *api.KV
	prefix string
}

// NewConsulStore connects to the Consul agent at addr (host:port or an
// http(s) URL) and checks that a leader is elected.
func NewConsulStore(addr string) (*ConsulStore, error) {
	cfg := api.DefaultConfig()
	if u, err := url.Parse(addr); err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") {
		cfg.Address = u.Host
		cfg.Scheme = u.Scheme
	} else if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("consul leader: %w", err)
	}
	return &ConsulStore{kv: client.KV(), prefix: ConsulPrefix}, nil
}

func (c *ConsulStore) key(workerID int) string {
	return c.prefix + strconv.Itoa(workerID)
}

func (c *ConsulStore) Publish(ctx context.Context, workerID int, busy bool) error {
	p := &api.KVPair{Key: c.key(workerID), Value: []byte(strconv.FormatBool(busy))}
	if _, err := c.kv.Put(p, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("publish %d: %w", workerID, err)
	}
	return nil
}

func (c *ConsulStore) Snapshot(ctx context.Context) ([]Record, error) {
	pairs, _, err := c.kv.List(c.prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	out := make([]Record, 0, len(pairs))
	for _, p := range pairs {
		id, err := strconv.Atoi(strings.TrimPrefix(p.Key, c.prefix))
		if err != nil {
			continue
		}
		out = append(out, Record{WorkerID: id, Busy: string(p.Value) == "true"})
	}
	return sortRecords(out), nil
}

func (c *ConsulStore) Withdraw(ctx context.Context, workerID int) error {
	if _, err := c.kv.Delete(c.key(workerID), (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("withdraw %d: %w", workerID, err)
	}
	return nil
}
