package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces counter keys.
const DefaultRedisPrefix = "inbox"

// Compile-time check
var _ Counter = (*Redis)(nil)

// Redis stores counters in one hash per tenant. The key carries the tenant
// as a hash tag and fields encode (room, actor) with a length prefix, so
// ids may contain any character.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a Redis counter.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Default is "inbox".
func WithPrefix(p string) RedisOption {
	return func(r *Redis) {
		if p != "" {
			r.prefix = p
		}
	}
}

// NewRedis creates a Redis-backed counter.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) hashKey(tenantID string) string {
	return r.prefix + ":unread:{" + tenantID + "}"
}

func hashField(roomID, actorID string) string {
	return strconv.Itoa(len(roomID)) + ":" + roomID + ":" + actorID
}

// Add adjusts the counter with HINCRBY.
func (r *Redis) Add(ctx context.Context, key Key, delta int64) error {
	if err := r.client.HIncrBy(ctx, r.hashKey(key.TenantID), hashField(key.RoomID, key.ActorID), delta).Err(); err != nil {
		return fmt.Errorf("redis hincrby: %w", err)
	}
	return nil
}

// Get reads the counter with HGET.
func (r *Redis) Get(ctx context.Context, key Key) (int64, error) {
	v, err := r.client.HGet(ctx, r.hashKey(key.TenantID), hashField(key.RoomID, key.ActorID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", v, err)
	}
	return max(n, 0), nil
}

// Replace installs snapshot and drops every tenant hash it does not cover.
// Each tenant hash is rewritten in its own MULTI/EXEC block, so the swap is
// atomic per tenant and every transaction touches a single slot.
func (r *Redis) Replace(ctx context.Context, snapshot map[Key]int64) error {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}

	fields := make(map[string][]any)
	for _, k := range keys {
		fields[k] = nil
	}
	for k, v := range snapshot {
		if v <= 0 {
			continue
		}
		h := r.hashKey(k.TenantID)
		fields[h] = append(fields[h], hashField(k.RoomID, k.ActorID), v)
	}

	for h, kv := range fields {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, h)
			if len(kv) > 0 {
				pipe.HSet(ctx, h, kv...)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis replace %s: %w", h, err)
		}
	}
	return nil
}

// scanKeys lists the counter hashes, visiting every master on a cluster.
func (r *Redis) scanKeys(ctx context.Context) ([]string, error) {
	match := r.prefix + ":unread:{*}"
	scan := func(ctx context.Context, c redis.Cmdable) ([]string, error) {
		var keys []string
		iter := c.Scan(ctx, 0, match, 256).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		return keys, nil
	}

	cluster, ok := r.client.(*redis.ClusterClient)
	if !ok {
		return scan(ctx, r.client)
	}
	var (
		mu   sync.Mutex
		keys []string
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := scan(ctx, node)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	return keys, err
}
