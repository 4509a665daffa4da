package lmtp

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultDedupeCacheSize = 3000

// dedupeCache remembers recently delivered (account, Message-ID) pairs. A nil
// cache accepts everything.
type dedupeCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// newDedupeCache returns nil for a negative size. A zero ttl keeps entries
// until they are evicted by size.
func newDedupeCache(size int, ttl time.Duration) *dedupeCache {
	if size < 0 {
		return nil
	}
	if size == 0 {
		size = defaultDedupeCacheSize
	}
	return &dedupeCache{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func dedupeKey(account, messageID string) string { return account + "\x00" + messageID }

// claim records the pair and returns false if it was already present.
// Messages without a Message-ID are always claimed.
func (c *dedupeCache) claim(account, messageID string) bool {
	if c == nil || messageID == "" {
		return true
	}
	k := dedupeKey(account, messageID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(k) {
		return false
	}
	c.lru.Add(k, struct{}{})
	return true
}

// release forgets the pair so a retried delivery is accepted.
func (c *dedupeCache) release(account, messageID string) {
	if c == nil || messageID == "" {
		return
	}
	c.mu.Lock()
	c.lru.Remove(dedupeKey(account, messageID))
	c.mu.Unlock()
}
