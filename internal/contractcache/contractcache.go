// Package contractcache holds tick size/value and symbol metadata per
// contract (spec §4.3), refreshing on miss via the REST gateway.
package contractcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riskpilot/guardian/internal/domain"
)

// Fetcher is the subset of the REST gateway client the cache needs; kept
// as an interface so this package does not import internal/gateway.
type Fetcher interface {
	SearchContract(ctx context.Context, searchText string) (domain.ContractMetadata, error)
}

// Cache is safe for concurrent use. A miss synchronously calls the
// fetcher and populates the entry; it is stable within a session but may
// be force-refreshed daily.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]entry
	bySymbol map[string]string // symbol -> contractID, populated as entries are learned
	fetcher  Fetcher
}

type entry struct {
	meta      domain.ContractMetadata
	fetchedAt time.Time
}

// New constructs a cache bound to the given REST fetcher. With a nil
// fetcher every cold miss returns an error.
func New(fetcher Fetcher) *Cache {
	return &Cache{entries: make(map[string]entry), bySymbol: make(map[string]string), fetcher: fetcher}
}

// Get returns the contract's tick size/value/symbol, fetching via REST on
// a cold miss.
func (c *Cache) Get(ctx context.Context, contractID string) (domain.ContractMetadata, error) {
	c.mu.RLock()
	e, ok := c.entries[contractID]
	c.mu.RUnlock()
	if ok {
		return e.meta, nil
	}
	if c.fetcher == nil {
		return domain.ContractMetadata{}, fmt.Errorf("contractcache: no fetcher to resolve %s", contractID)
	}

	meta, err := c.fetcher.SearchContract(ctx, contractID)
	if err != nil {
		return domain.ContractMetadata{}, fmt.Errorf("contractcache: fetch %s: %w", contractID, err)
	}

	c.mu.Lock()
	c.entries[contractID] = entry{meta: meta, fetchedAt: time.Now()}
	if meta.Symbol != "" {
		c.bySymbol[meta.Symbol] = contractID
	}
	c.mu.Unlock()
	return meta, nil
}

// ResolveSymbol returns the contractID previously learned for a symbol via
// Get, used to translate quote pushes (which carry only a symbol) into
// the contractID-keyed domain.Quote the rules engine expects.
func (c *Cache) ResolveSymbol(symbol string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contractID, ok := c.bySymbol[symbol]
	return contractID, ok
}

// Invalidate drops a single entry, forcing the next Get to refetch.
func (c *Cache) Invalidate(contractID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, contractID)
}

// InvalidateAll clears the whole cache, forcing every next Get to refetch.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}
