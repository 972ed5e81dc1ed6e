package proxy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenFetcher fetches a real upstream token for a broker connection.
type TokenFetcher interface {
	Fetch(ctx context.Context, connectionID string) (accessToken string, expiresAt time.Time, err error)
}

// tokenCache caches upstream tokens keyed by broker connection id — never by
// agent. Entries are valid until cacheExpiresAt; concurrent misses for the
// same key collapse into one upstream fetch.
type tokenCache struct {
	fetcher TokenFetcher

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group

	now func() time.Time // test hook
}

type cacheEntry struct {
	token          string
	cacheExpiresAt time.Time
}

const (
	cacheTTLMin    = 30 * time.Second
	cacheTTLMax    = 5 * time.Minute
	cacheTTLMargin = 60 * time.Second
)

func newTokenCache(fetcher TokenFetcher) *tokenCache {
	return &tokenCache{
		fetcher: fetcher,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// get returns a cached token or fetches one. ttl = clamp(expiry-now-60s, 30s, 5m).
func (c *tokenCache) get(ctx context.Context, connectionID string) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[connectionID]
	if ok && entry.cacheExpiresAt.After(c.now()) {
		c.mu.Unlock()
		return entry.token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(connectionID, func() (interface{}, error) {
		// Re-check under the group: another caller may have filled the entry
		// between the miss and the flight starting.
		c.mu.Lock()
		entry, ok := c.entries[connectionID]
		if ok && entry.cacheExpiresAt.After(c.now()) {
			c.mu.Unlock()
			return entry.token, nil
		}
		c.mu.Unlock()

		token, expiresAt, err := c.fetcher.Fetch(ctx, connectionID)
		if err != nil {
			return "", err
		}

		ttl := time.Until(expiresAt) - cacheTTLMargin
		if ttl < cacheTTLMin {
			ttl = cacheTTLMin
		}
		if ttl > cacheTTLMax {
			ttl = cacheTTLMax
		}

		c.mu.Lock()
		c.entries[connectionID] = cacheEntry{token: token, cacheExpiresAt: c.now().Add(ttl)}
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// evict removes one connection's cached token.
func (c *tokenCache) evict(connectionID string) {
	c.mu.Lock()
	delete(c.entries, connectionID)
	c.mu.Unlock()
}
