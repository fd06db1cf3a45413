package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// HashLoader fetches the fingerprint -> content hash map from the backing
// store for the requested fingerprints.
type HashLoader func(ctx context.Context, tenantID string, fingerprints []string) (map[string]string, error)

// noHashSentinel caches the absence of a prior hash so repeat deliveries of
// a brand-new fingerprint do not hammer the store within one TTL.
const noHashSentinel = "\x00none"

// LastHashCache serves the read-mostly per-fingerprint last-hash lookups
// from Redis with a short TTL. A miss for a requested key falls back to a
// forced refresh through the loader.
type LastHashCache struct {
	client *redis.Client
	ttl    time.Duration
	load   HashLoader
}

// NewLastHashCache creates a cache. A nil client degrades to loader-only
// pass-through, so the deduplicator works without Redis configured.
func NewLastHashCache(client *redis.Client, ttl time.Duration, loader HashLoader) *LastHashCache {
	return &LastHashCache{client: client, ttl: ttl, load: loader}
}

func (c *LastHashCache) key(tenantID, fingerprint string) string {
	return fmt.Sprintf("siren:lasthash:%s:%s", tenantID, fingerprint)
}

// Get returns the last-known content hash per fingerprint. Fingerprints
// with no prior hash are absent from the result map.
func (c *LastHashCache) Get(ctx context.Context, tenantID string, fingerprints []string) (map[string]string, error) {
	if len(fingerprints) == 0 {
		return map[string]string{}, nil
	}
	if c.client == nil {
		return c.load(ctx, tenantID, fingerprints)
	}

	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = c.key(tenantID, fp)
	}

	result := make(map[string]string, len(fingerprints))
	var misses []string

	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		// Redis being down must not break deduplication; fall through to
		// the backing store for everything.
		log.Printf("last-hash cache read failed, refreshing all keys: %v", err)
		misses = fingerprints
	} else {
		for i, raw := range cached {
			s, ok := raw.(string)
			if !ok {
				misses = append(misses, fingerprints[i])
				continue
			}
			if s != noHashSentinel {
				result[fingerprints[i]] = s
			}
		}
	}

	if len(misses) == 0 {
		return result, nil
	}

	// Forced refresh for the missing keys.
	loaded, err := c.load(ctx, tenantID, misses)
	if err != nil {
		return nil, err
	}
	for _, fp := range misses {
		hash, found := loaded[fp]
		value := hash
		if !found {
			value = noHashSentinel
		} else {
			result[fp] = hash
		}
		if err := c.client.Set(ctx, c.key(tenantID, fp), value, c.ttl).Err(); err != nil {
			log.Printf("last-hash cache write failed for %s: %v", fp, err)
		}
	}
	return result, nil
}

// Put records the newest hash for a fingerprint after an alert was
// processed, keeping the cache coherent ahead of its TTL.
func (c *LastHashCache) Put(ctx context.Context, tenantID, fingerprint, hash string) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, c.key(tenantID, fingerprint), hash, c.ttl).Err(); err != nil {
		log.Printf("last-hash cache write failed for %s: %v", fingerprint, err)
	}
}
