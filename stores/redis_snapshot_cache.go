package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/policy"
)

// RedisSnapshotCache shares subject snapshots across processes (key:
// subjsnap:{principal:tenant}, JSON values). The Redis TTL is a hygiene
// bound only; the resolver still judges freshness from GeneratedAt, so a
// shorter resolver TTL is honored everywhere.
type RedisSnapshotCache struct {
	client *redis.Client
	keyFmt string
	ttl    time.Duration
}

func NewRedisSnapshotCache(client *redis.Client, ttl time.Duration) *RedisSnapshotCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSnapshotCache{client: client, keyFmt: "subjsnap:%s", ttl: ttl}
}

func (c *RedisSnapshotCache) key(k string) string {
	return fmt.Sprintf(c.keyFmt, k)
}

func (c *RedisSnapshotCache) Get(key string) (*policy.SubjectSnapshot, bool) {
	data, err := c.client.Get(context.Background(), c.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	snap := &policy.SubjectSnapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, false
	}
	return snap, true
}

func (c *RedisSnapshotCache) Set(key string, snap *policy.SubjectSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.client.Set(context.Background(), c.key(key), data, c.ttl)
}

func (c *RedisSnapshotCache) Delete(key string) {
	c.client.Del(context.Background(), c.key(key))
}

func (c *RedisSnapshotCache) Clear() {
	ctx := context.Background()
	iter := c.client.Scan(ctx, 0, fmt.Sprintf(c.keyFmt, "*"), 0).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
}
