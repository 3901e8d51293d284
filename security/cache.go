package security

import (
	"crypto/tls"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSessionCacheSize is used when NewLRUSessionCache is given a
// non-positive capacity.
const DefaultSessionCacheSize = 64

type lruSessionCache struct {
	cache *lru.Cache[string, *tls.ClientSessionState]
}

// NewLRUSessionCache returns a tls.ClientSessionCache that keeps the n most
// recently used sessions.
func NewLRUSessionCache(n int) tls.ClientSessionCache {
	if n <= 0 {
		n = DefaultSessionCacheSize
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *tls.ClientSessionState](n)
	return &lruSessionCache{cache: cache}
}

func (c *lruSessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	return c.cache.Get(sessionKey)
}

func (c *lruSessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	// crypto/tls passes nil to evict an entry.
	if cs == nil {
		c.cache.Remove(sessionKey)
		return
	}
	c.cache.Add(sessionKey, cs)
}
