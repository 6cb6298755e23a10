// Package quotecache holds the latest bid/ask/last per contract (spec
// §4.2). It is never persisted: on reconnect the stream simply refills it.
package quotecache

import (
	"sync"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
	"github.com/shopspring/decimal"
)

// Cache is safe for concurrent use; the dispatcher's per-account workers
// and the rule engine's snapshot reads both go through it.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]domain.Quote
}

// New constructs an empty quote cache.
func New() *Cache {
	return &Cache{quotes: make(map[string]domain.Quote)}
}

// Update overwrites the cached quote for a contract.
func (c *Cache) Update(q domain.Quote) {
	if q.IngestTime.IsZero() {
		q.IngestTime = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.ContractID] = q
}

// GetLast returns the last traded price, or false if no quote has arrived.
func (c *Cache) GetLast(contractID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[contractID]
	if !ok {
		return decimal.Zero, false
	}
	return q.Last, true
}

// Get returns the full cached quote.
func (c *Cache) Get(contractID string) (domain.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[contractID]
	return q, ok
}

// Age returns how long ago the quote was ingested, or false if missing.
func (c *Cache) Age(contractID string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[contractID]
	if !ok {
		return 0, false
	}
	return time.Since(q.IngestTime), true
}

// IsStale reports whether the contract's quote is missing or older than
// maxAge. A missing quote counts as stale.
func (c *Cache) IsStale(contractID string, maxAge time.Duration) bool {
	age, ok := c.Age(contractID)
	if !ok {
		return true
	}
	return age > maxAge
}
