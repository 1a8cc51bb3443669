package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planware/syncd/server/model"
	"github.com/planware/syncd/server/observability"
)

// RedisStore implements Store on a Redis backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the backend is reachable.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	defer func() {
		observability.CacheOpDuration.Observe(time.Since(start).Seconds())
	}()

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, kind model.EntityKind) error {
	start := time.Now()
	defer func() {
		observability.CacheOpDuration.Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, TTLFor(kind)).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		observability.CacheOpDuration.Observe(time.Since(start).Seconds())
	}()

	return s.client.Del(ctx, key).Err()
}

// InvalidatePattern deletes matching keys via incremental SCAN so large
// keyspaces never block the server.
func (s *RedisStore) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	var batch []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			n, err := s.client.Del(ctx, batch...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if len(batch) > 0 {
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{KeysByPrefix: make(map[string]int)}

	total, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return stats, err
	}
	stats.TotalKeys = int(total)

	iter := s.client.Scan(ctx, 0, "*", 200).Iterator()
	for iter.Next(ctx) {
		stats.KeysByPrefix[Prefix(iter.Val())]++
	}
	if err := iter.Err(); err != nil {
		return stats, err
	}

	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, err
	}
	mem := parseMemoryInfo(info)
	stats.MemoryUsed = mem["used_memory"]
	stats.MemoryPeak = mem["used_memory_peak"]
	stats.MaxMemory = mem["maxmemory"]

	statsInfo, err := s.client.Info(ctx, "stats").Result()
	if err == nil {
		stats.ExpiredCount = parseMemoryInfo(statsInfo)["expired_keys"]
	}
	return stats, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseMemoryInfo(info string) map[string]int64 {
	out := make(map[string]int64)
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			out[k] = n
		}
	}
	return out
}
