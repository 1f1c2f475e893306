package ddq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs a DDQ with a shared Redis list + set, keyed by a prefix
// derived from Scope (spec §4.4 "External backing"). Semantics mirror the
// memory Ring: bounded capacity via LTRIM, O(1) membership via a companion
// set. Backing-store failures degrade to "unseen" (fail-open) rather than
// raising, per spec.
type RedisStore struct {
	client   *redis.Client
	scope    Scope
	capacity int
	ttl      time.Duration
}

// NewRedisStore builds an external DDQ scoped to scope, defaulting capacity
// to DefaultCapacity and ttl to 24h (entries older than that are assumed
// irrelevant even if the list/set haven't been trimmed).
func NewRedisStore(client *redis.Client, scope Scope, capacity int, ttl time.Duration) *RedisStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, scope: scope, capacity: capacity, ttl: ttl}
}

func (s *RedisStore) listKey() string { return s.scope.KeyPrefix() + ":list" }
func (s *RedisStore) setKey() string  { return s.scope.KeyPrefix() + ":set" }

// Contains fails open: a Redis error is treated as "not seen" so a
// backing-store outage never blocks routing (spec §4.4).
func (s *RedisStore) Contains(uuid string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := s.client.SIsMember(ctx, s.setKey(), uuid).Result()
	if err != nil {
		return false
	}
	return ok
}

// Add pushes uuid onto the list, records it in the membership set, and
// trims both to capacity, evicting the oldest entry from the set when the
// list is trimmed past it. Errors are swallowed: a failed Add simply means
// the next Contains also fails open, matching the spec's fail-open policy.
func (s *RedisStore) Add(uuid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	already, err := s.client.SIsMember(ctx, s.setKey(), uuid).Result()
	if err == nil && already {
		return
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.listKey(), uuid)
	pipe.LTrim(ctx, s.listKey(), 0, int64(s.capacity-1))
	pipe.SAdd(ctx, s.setKey(), uuid)
	pipe.Expire(ctx, s.listKey(), s.ttl)
	pipe.Expire(ctx, s.setKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}

	s.pruneDisplaced(ctx)
}

// pruneDisplaced reconciles the membership set against the trimmed list so
// Contains never reports true for an entry the ring has already evicted.
func (s *RedisStore) pruneDisplaced(ctx context.Context) {
	members, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return
	}
	if len(members) <= s.capacity {
		return
	}
	kept, err := s.client.LRange(ctx, s.listKey(), 0, -1).Result()
	if err != nil {
		return
	}
	keptSet := make(map[string]struct{}, len(kept))
	for _, u := range kept {
		keptSet[u] = struct{}{}
	}
	for _, m := range members {
		if _, ok := keptSet[m]; !ok {
			s.client.SRem(ctx, s.setKey(), m)
		}
	}
}

func (s *RedisStore) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.client.Del(ctx, s.listKey(), s.setKey())
}

func (s *RedisStore) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := s.client.SCard(ctx, s.setKey()).Result()
	if err != nil {
		return Stats{Capacity: s.capacity, Size: 0}
	}
	return Stats{Capacity: s.capacity, Size: int(n)}
}
