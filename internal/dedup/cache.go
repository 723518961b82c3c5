// Package dedup caches recently-processed transaction hashes so redelivered
// webhooks are skipped cheaply. It is an optimization only; the ledger's
// unique tx-hash key is the system of record for idempotency.
package dedup

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL is how long a processed hash is remembered.
const DefaultTTL = 2 * time.Minute

const defaultSize = 4096

// Cache is a TTL-evicting set of normalized transaction hashes.
type Cache struct {
	lru *expirable.LRU[string, struct{}]
}

// New builds a Cache with the given TTL; ttl <= 0 falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, struct{}](defaultSize, nil, ttl)}
}

// IsDuplicate reports whether the hash was marked within the TTL window.
func (c *Cache) IsDuplicate(txHash string) bool {
	_, ok := c.lru.Get(normalize(txHash))
	return ok
}

// MarkProcessed records the hash.
func (c *Cache) MarkProcessed(txHash string) {
	c.lru.Add(normalize(txHash), struct{}{})
}

func normalize(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
