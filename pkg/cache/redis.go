// Package cache provides an optional Redis-backed mirror of
// short-lived hub state: recently seen replay nonces and recently
// discovered hubs. It never replaces the in-memory replay guard or
// discovery registry, which remain authoritative with no Redis
// present — see SPEC_FULL.md §4.4/§4.5.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps a Redis client used to mirror replay and discovery state.
type Cache struct {
	client *redis.Client
	ctx    context.Context
}

// Open connects to Redis and verifies the connection is live.
func Open(cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to redis: %w", err)
	}
	return &Cache{client: client, ctx: ctx}, nil
}

func replayKey(deviceID uint32, nonce [3]byte) string {
	return fmt.Sprintf("shdc:replay:%08X:%x", deviceID, nonce)
}

// SeenNonce records that (deviceID, nonce) has been accepted, so a
// hub restarted within tolerance does not momentarily re-accept a
// nonce an attacker captured before the restart.
func (c *Cache) SeenNonce(deviceID uint32, nonce [3]byte, tolerance time.Duration) error {
	return c.client.Set(c.ctx, replayKey(deviceID, nonce), 1, tolerance).Err()
}

// HasSeenNonce reports whether (deviceID, nonce) was already recorded.
func (c *Cache) HasSeenNonce(deviceID uint32, nonce [3]byte) (bool, error) {
	n, err := c.client.Exists(c.ctx, replayKey(deviceID, nonce)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// cachedHub is the JSON form of a discovered hub mirrored into Redis.
type cachedHub struct {
	HubID        uint32 `json:"hub_id"`
	Address      string `json:"address"`
	PublicKey    string `json:"public_key"`
	Capabilities string `json:"capabilities"`
}

func hubKey(hubID uint32) string {
	return fmt.Sprintf("shdc:hub:%08X", hubID)
}

// CacheHub mirrors a discovered hub for 300s. GetCachedHub reads it
// back (Sensor.DiscoverViaCache uses it); the `discover` CLI command
// does not consult the cache and always re-broadcasts.
func (c *Cache) CacheHub(hubID uint32, addr *net.UDPAddr, publicKey [32]byte, capabilities string) error {
	entry := cachedHub{
		HubID:        hubID,
		Address:      addr.String(),
		PublicKey:    fmt.Sprintf("%x", publicKey),
		Capabilities: capabilities,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal hub: %w", err)
	}
	return c.client.Set(c.ctx, hubKey(hubID), data, 300*time.Second).Err()
}

// CachedHub is a cache.Cache lookup result: a hub's address and
// public key, decoded back out of Redis.
type CachedHub struct {
	HubID        uint32
	Address      *net.UDPAddr
	PublicKey    [32]byte
	Capabilities string
}

// GetCachedHub retrieves a previously cached hub, if present and unexpired.
func (c *Cache) GetCachedHub(hubID uint32) (*CachedHub, error) {
	data, err := c.client.Get(c.ctx, hubKey(hubID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry cachedHub
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("cache: failed to unmarshal hub: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp4", entry.Address)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to parse cached hub address: %w", err)
	}
	raw, err := hex.DecodeString(entry.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to parse cached hub public key: %w", err)
	}
	var pub [32]byte
	copy(pub[:], raw)

	return &CachedHub{HubID: entry.HubID, Address: addr, PublicKey: pub, Capabilities: entry.Capabilities}, nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health reports whether the Redis connection is usable.
func (c *Cache) Health() error {
	return c.client.Ping(c.ctx).Err()
}
