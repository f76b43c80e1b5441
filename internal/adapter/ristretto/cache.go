// Package ristretto implements the cache port with dgraph-io/ristretto as the
// in-process L1 completion cache.
package ristretto

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// minCostBytes keeps tiny configurations usable.
const minCostBytes = 1 << 20

// Cache holds recent completions in process memory, bounded by total size.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxMB megabytes of completion text.
func New(maxMB int64) (*Cache, error) {
	maxCost := max(maxMB<<20, minCostBytes)
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Completions average a few KB; ten counters per expected entry.
		NumCounters: maxCost / 2048 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns a cached completion.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a completion. Values rejected by the admission policy are
// silently skipped; the entry is visible to Get once Set returns.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("ristretto: empty key")
	}
	buf := append([]byte(nil), value...)
	if ttl > 0 {
		c.c.SetWithTTL(key, buf, int64(len(buf)), ttl)
	} else {
		c.c.Set(key, buf, int64(len(buf)))
	}
	c.c.Wait()
	return nil
}

// Delete removes a completion.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
