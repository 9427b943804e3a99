// Package cache keeps upstream HTTP responses in Redis so repeated runs over the same window stay cheap.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "revanalyzer:http:"

// Redis stores raw response bodies keyed by request URL.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis and verifies the connection.
func New(redisURL, password string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Key hashes an arbitrary request identity into a bounded redis key.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached body for key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// Set stores body under key with the configured TTL (0 = no expiry).
func (r *Redis) Set(ctx context.Context, key string, body []byte) error {
	return r.rdb.Set(ctx, key, body, r.ttl).Err()
}

// Purge removes every cached response.
func (r *Redis) Purge(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := r.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
