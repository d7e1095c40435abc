// Package scripts maintains the per-domain customization script cache,
// synced incrementally from the feed.
package scripts

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/crawler"
	"github.com/crawlfeed/worker/internal/store"
)

const (
	cacheKey = "scripts/cache"

	// EpochZeroSince requests a full sync.
	EpochZeroSince = "1970-01-01T00:00:00Z"
)

// state is the persisted shape of the cache.
type state struct {
	ByDomain map[string]crawler.ScriptRecord `json:"byDomain"`
	Etag     string                          `json:"etag"`
	Since    string                          `json:"since"`
}

// Cache holds script records keyed by normalized domain plus the sync
// markers (etag, since). Since is monotonic non-decreasing: always the max
// updatedAt observed, compared lexicographically as ISO-8601. Safe for
// concurrent use.
type Cache struct {
	mu     sync.Mutex
	kv     store.KV
	logger *zap.Logger
	st     state
}

// Load reads the persisted cache state, starting empty when none exists.
func Load(ctx context.Context, kv store.KV, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{kv: kv, logger: logger}
	err := store.GetJSON(ctx, kv, cacheKey, &c.st)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if c.st.ByDomain == nil {
		c.st.ByDomain = make(map[string]crawler.ScriptRecord)
	}
	return c, nil
}

// SyncMarkers returns the query markers for the next poll: a full-sync
// since when the cache is empty, the held etag when one exists, else the
// running since watermark.
func (c *Cache) SyncMarkers() (since, etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.st.ByDomain) == 0 {
		return EpochZeroSince, ""
	}
	if c.st.Etag != "" {
		return "", c.st.Etag
	}
	if c.st.Since == "" {
		return EpochZeroSince, ""
	}
	return c.st.Since, ""
}

// Merge applies a script delta from the feed. Records upsert by full
// replacement under their normalized domain key and advance the since
// watermark. The etag refreshes only when scripts were actually returned
// or the cache was already non-empty, so a zero-result sync cannot clobber
// a valid etag with an empty one.
func (c *Cache) Merge(ctx context.Context, records []crawler.ScriptRecord, etag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hadEntries := len(c.st.ByDomain) > 0
	for _, record := range records {
		key := crawler.NormalizeDomain(record.Domain)
		if key == "" {
			continue
		}
		record.Domain = key
		c.st.ByDomain[key] = record
		if record.UpdatedAt > c.st.Since {
			c.st.Since = record.UpdatedAt
		}
	}
	if len(records) > 0 || hadEntries {
		c.st.Etag = etag
	}

	if err := store.SetJSON(ctx, c.kv, cacheKey, c.st); err != nil {
		return err
	}
	if len(records) > 0 {
		c.logger.Debug("script cache merged",
			zap.Int("records", len(records)),
			zap.String("since", c.st.Since),
			zap.String("etag", c.st.Etag),
		)
	}
	return nil
}

// Lookup returns the script record for domain, if any.
func (c *Cache) Lookup(domain string) (crawler.ScriptRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.st.ByDomain[crawler.NormalizeDomain(domain)]
	return record, ok
}

// Len reports how many domains hold a cached script.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.st.ByDomain)
}
