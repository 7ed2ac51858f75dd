// Package cacheindex wraps a Redis client for O(1) lookups over the cache
// layers' disk-resident, append-only data (baseline cache, translation
// memory). Redis here is strictly an index: authoritative bytes always live
// on disk, so an index miss or a Redis outage degrades to a disk scan
// rather than an error, per spec.md §4.8 ("opportunistic... a miss is never
// an error").
package cacheindex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Index is a best-effort Redis-backed lookup cache. A nil or unreachable
// client simply reports every lookup as a miss.
type Index struct {
	client *redis.Client
}

// Connect parses redisURL and pings it once. An empty URL or a failed ping
// yields a disabled Index (Available() == false) rather than an error —
// callers should always have a disk-scan fallback.
func Connect(redisURL string) *Index {
	if redisURL == "" {
		return &Index{}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.WithError(err).Warn("cache index: invalid redis URL, disabling index")
		return &Index{}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("cache index: redis unreachable, falling back to disk scan")
		return &Index{}
	}
	return &Index{client: client}
}

// Available reports whether the index is backed by a live Redis client.
func (i *Index) Available() bool { return i != nil && i.client != nil }

// Get unmarshals a cached value into dest. Returns false on any miss,
// marshal error, or disabled index.
func (i *Index) Get(ctx context.Context, key string, dest interface{}) bool {
	if !i.Available() {
		return false
	}
	data, err := i.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache index: corrupt entry, ignoring")
		return false
	}
	return true
}

// Set stores value under key with ttl. Failures are logged, never returned
// as fatal — the caller already has the authoritative disk copy.
func (i *Index) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if !i.Available() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache index: marshal failed")
		return
	}
	if err := i.client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache index: set failed")
	}
}

// Delete removes a key, best-effort.
func (i *Index) Delete(ctx context.Context, key string) {
	if !i.Available() {
		return
	}
	if err := i.client.Del(ctx, key).Err(); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache index: delete failed")
	}
}
