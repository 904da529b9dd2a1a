package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/guard/logger"
)

// RedisDefaultGroupProvider keeps organization->default group in one hash.
type RedisDefaultGroupProvider struct {
	client *redis.Client
	key    string
}

func NewRedisDefaultGroupProvider(client *redis.Client) *RedisDefaultGroupProvider {
	return &RedisDefaultGroupProvider{client: client, key: "guard:default_groups"}
}

func (r *RedisDefaultGroupProvider) DefaultGroupFor(ctx context.Context, orgCode string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, orgCode).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (r *RedisDefaultGroupProvider) SetDefault(ctx context.Context, orgCode, groupCode string) error {
	if groupCode == "" {
		return r.client.HDel(ctx, r.key, orgCode).Err()
	}
	return r.client.HSet(ctx, r.key, orgCode, groupCode).Err()
}

// RedisHierarchyReadModel stores each organization's descendant codes
// (itself first) in a list at guard:org:desc:{code}. The set at
// guard:org:desc-index tracks which lists exist.
type RedisHierarchyReadModel struct {
	client   *redis.Client
	keyFmt   string
	indexKey string
	logger   logger.Logger
}

func NewRedisHierarchyReadModel(client *redis.Client, l logger.Logger) *RedisHierarchyReadModel {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &RedisHierarchyReadModel{
		client:   client,
		keyFmt:   "guard:org:desc:%s",
		indexKey: "guard:org:desc-index",
		logger:   l,
	}
}

func (r *RedisHierarchyReadModel) key(code string) string {
	return fmt.Sprintf(r.keyFmt, code)
}

// DescendantCodes reports ok=false on a miss or a Redis failure so the
// resolver falls back to the live snapshot.
func (r *RedisHierarchyReadModel) DescendantCodes(ctx context.Context, code string) ([]string, bool) {
	codes, err := r.client.LRange(ctx, r.key(code), 0, -1).Result()
	if err != nil {
		r.logger.Error("hierarchy read model lookup failed", "code", code, "error", err)
		return nil, false
	}
	if len(codes) == 0 {
		return nil, false
	}
	return codes, true
}

// Publish rewrites the read model from a snapshot and deletes the lists of
// organizations the snapshot no longer holds.
func (r *RedisHierarchyReadModel) Publish(ctx context.Context, snap *guard.OrganizationTreeSnapshot) error {
	nodes := snap.Flatten()
	live := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		live[n.Code] = struct{}{}
	}
	publish := func(tx *redis.Tx) error {
		previous, err := tx.SMembers(ctx, r.indexKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, code := range previous {
				if _, ok := live[code]; !ok {
					pipe.Del(ctx, r.key(code))
				}
			}
			pipe.Del(ctx, r.indexKey)
			for _, n := range nodes {
				k := r.key(n.Code)
				pipe.Del(ctx, k)
				codes := snap.DescendantCodes(n.Code)
				vals := make([]any, len(codes))
				for i, c := range codes {
					vals[i] = c
				}
				pipe.RPush(ctx, k, vals...)
				pipe.SAdd(ctx, r.indexKey, n.Code)
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, publish, r.indexKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		r.logger.Debug("hierarchy read model publish raced, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("publish hierarchy read model: %w", redis.TxFailedErr)
}

// RedisInvalidationBus carries InvalidationEvents over Redis pub/sub so every
// engine instance drops stale caches after an administrative write.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
	logger  logger.Logger
}

func NewRedisInvalidationBus(client *redis.Client, channel string, l logger.Logger) *RedisInvalidationBus {
	if channel == "" {
		channel = "guard:invalidate"
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &RedisInvalidationBus{client: client, channel: channel, logger: l}
}

func (b *RedisInvalidationBus) Publish(ctx context.Context, ev guard.InvalidationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe confirms the subscription, then delivers events to handler on a
// background goroutine until ctx is done. Handler errors are logged.
func (b *RedisInvalidationBus) Subscribe(ctx context.Context, handler func(context.Context, guard.InvalidationEvent) error) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev guard.InvalidationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Error("malformed invalidation event", "payload", msg.Payload, "error", err)
					continue
				}
				if err := handler(ctx, ev); err != nil {
					b.logger.Error("invalidation handler failed", "kind", string(ev.Kind), "code", ev.Code, "error", err)
				}
			}
		}
	}()
	return nil
}
