package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "fauxweb:cache:"

// RedisStore shares entries between proxy instances. Redis expiry enforces
// the TTL; Get re-checks the age in case the key outlived it.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, prefix: defaultKeyPrefix}
}

func (s *RedisStore) Put(ctx context.Context, key string, e Entry) error {
	e.InsertedAt = time.Now()
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := s.read(ctx, s.prefix+key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if time.Since(e.InsertedAt) > s.ttl {
		if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
			return Entry{}, false, fmt.Errorf("redis evict stale entry: %w", err)
		}
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *RedisStore) read(ctx context.Context, fullKey string) (Entry, bool, error) {
	payload, err := s.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return e, true, nil
}

func (s *RedisStore) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("redis scan: %w", err)
	}

	stats := Stats{Entries: []EntryStat{}}
	now := time.Now()
	for _, k := range keys {
		e, ok, err := s.read(ctx, k)
		if err != nil || !ok {
			continue
		}
		stats.Entries = append(stats.Entries, EntryStat{
			URL:  k[len(s.prefix):],
			Age:  now.Sub(e.InsertedAt),
			Size: len(e.Data),
		})
	}
	sort.Slice(stats.Entries, func(i, j int) bool { return stats.Entries[i].URL < stats.Entries[j].URL })
	stats.TotalEntries = len(stats.Entries)
	return stats, nil
}

func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return int(n), err
}
