package stores

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/policy"
)

const invalidationChannel = "policy:invalidations"

// RedisInvalidationBus carries invalidation events between processes over
// Redis pub/sub. Publishers call Publish after directory or policy
// writes; each process forwards received events into its local
// Invalidator.
type RedisInvalidationBus struct {
	client *redis.Client
	mu     sync.Mutex
	sub    *redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisInvalidationBus(client *redis.Client) *RedisInvalidationBus {
	return &RedisInvalidationBus{client: client}
}

// Publish broadcasts one invalidation event.
func (b *RedisInvalidationBus) Publish(ctx context.Context, ev policy.InvalidationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, invalidationChannel, data).Err()
}

// Listen subscribes and forwards events into the invalidator until ctx
// is cancelled or Close is called. Malformed payloads are skipped.
func (b *RedisInvalidationBus) Listen(ctx context.Context, inv *policy.Invalidator) error {
	b.mu.Lock()
	if b.sub != nil {
		b.mu.Unlock()
		return nil
	}
	sub := b.client.Subscribe(ctx, invalidationChannel)
	b.sub = sub
	b.mu.Unlock()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev policy.InvalidationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				inv.Notify(ev)
			}
		}
	}()
	return nil
}

// Close stops the subscription and waits for the forwarder to exit.
func (b *RedisInvalidationBus) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	b.wg.Wait()
	return err
}
