package cache

import (
	"context"
	"fmt"
	"path"

	"github.com/hashicorp/consul/api"
	"github.com/mwantia/chunkfs/data"
)

// ConsulTier provides a distributed cache tier using HashiCorp Consul KV store.
//
// Architecture:
// - Values are stored directly in Consul KV under a configurable prefix
// - Each cache key maps to exactly one KV entry
//
// Limitations:
// - Consul KV has a 512KB limit per value; larger values are rejected
//   with ErrInvalid and should stay in the local tiers
type ConsulTier struct {
	client *api.Client
	kv     *api.KV

	// Configuration
	config *ConsulTierConfig
}

// ConsulTierConfig contains configuration options for the Consul tier.
type ConsulTierConfig struct {
	// Address of the Consul server (default: "127.0.0.1:8500")
	Address string

	// Token for Consul ACL authentication (optional)
	Token string

	// Datacenter to use (optional)
	Datacenter string

	// Prefix for all keys in Consul KV (default: "chunkfs/cache")
	Prefix string
}

// Consul KV rejects values above 512KB; we keep a margin for
// transaction overhead.
const consulMaxValueSize = 500 * 1024

// NewConsulTier creates a new Consul-backed distributed cache tier.
func NewConsulTier(config *ConsulTierConfig) (*ConsulTier, error) {
	if config == nil {
		config = &ConsulTierConfig{}
	}

	// Set defaults
	if config.Address == "" {
		config.Address = "127.0.0.1:8500"
	}
	if config.Prefix == "" {
		config.Prefix = "chunkfs/cache"
	}

	// Create Consul client
	clientConfig := api.DefaultConfig()
	clientConfig.Address = config.Address
	if config.Token != "" {
		clientConfig.Token = config.Token
	}
	if config.Datacenter != "" {
		clientConfig.Datacenter = config.Datacenter
	}

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrBackendUnavailable, err)
	}

	return &ConsulTier{
		client: client,
		kv:     client.KV(),
		config: config,
	}, nil
}

// Name returns the identifier name defined for this tier
func (*ConsulTier) Name() string {
	return "consul"
}

// Get returns the cached value or (nil, false, nil) on a miss.
func (ct *ConsulTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)

	pair, _, err := ct.kv.Get(ct.buildKey(key), opts)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", data.ErrBackendUnavailable, err)
	}
	if pair == nil {
		return nil, false, nil
	}

	return pair.Value, true, nil
}

// Put stores a value in the distributed tier.
func (ct *ConsulTier) Put(ctx context.Context, key string, value []byte) error {
	if len(value) > consulMaxValueSize {
		return fmt.Errorf("%w: value size %d exceeds consul kv limit", data.ErrInvalid, len(value))
	}

	opts := (&api.WriteOptions{}).WithContext(ctx)

	pair := &api.KVPair{
		Key:   ct.buildKey(key),
		Value: value,
	}
	if _, err := ct.kv.Put(pair, opts); err != nil {
		return fmt.Errorf("%w: %v", data.ErrBackendUnavailable, err)
	}

	return nil
}

// Delete removes a value from the distributed tier.
func (ct *ConsulTier) Delete(ctx context.Context, key string) error {
	opts := (&api.WriteOptions{}).WithContext(ctx)

	if _, err := ct.kv.Delete(ct.buildKey(key), opts); err != nil {
		return fmt.Errorf("%w: %v", data.ErrBackendUnavailable, err)
	}

	return nil
}

// buildKey converts a cache key to a full Consul KV key with the
// configured prefix.
func (ct *ConsulTier) buildKey(key string) string {
	return path.Join(ct.config.Prefix, key)
}
