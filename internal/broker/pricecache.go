package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akrivos/helmsman/internal/domain"
)

// PriceCache is the process-wide quote cache shared by every account. Entries
// are keyed by (account, symbol, price type) and served without a provider
// call while younger than the TTL. Concurrent misses for the same key are
// serialised behind a per-key lock so only one provider call happens; the
// losers read the just-filled entry under that lock.
type PriceCache struct {
	mu      sync.Mutex
	entries map[priceKey]*priceEntry
}

type priceKey struct {
	accountID int64
	symbol    string
	priceType domain.PriceType
}

type priceEntry struct {
	mu        sync.Mutex
	price     float64
	fetchedAt time.Time
	valid     bool
}

// NewPriceCache creates an empty price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[priceKey]*priceEntry)}
}

func (c *PriceCache) entry(key priceKey) *priceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &priceEntry{}
		c.entries[key] = e
	}
	return e
}

// Get returns the cached price for one key, calling fetch on a miss. The
// per-key lock is held across the fetch; each key's provider call is bounded
// and amortised by the cache, so this is acceptable.
func (c *PriceCache) Get(ctx context.Context, accountID int64, symbol string, priceType domain.PriceType,
	ttl time.Duration, fetch func(ctx context.Context) (float64, error)) (float64, error) {

	e := c.entry(priceKey{accountID: accountID, symbol: symbol, priceType: priceType})

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.valid && time.Since(e.fetchedAt) < ttl {
		return e.price, nil
	}

	price, err := fetch(ctx)
	if err != nil {
		return 0, err
	}

	e.price = price
	e.fetchedAt = time.Now()
	e.valid = true
	return price, nil
}

// GetBulk returns cached prices for many symbols, issuing a single fetch call
// for all misses and merging the result.
func (c *PriceCache) GetBulk(ctx context.Context, accountID int64, symbols []string, priceType domain.PriceType,
	ttl time.Duration, fetch func(ctx context.Context, misses []string) (map[string]float64, error)) (map[string]float64, error) {

	result := make(map[string]float64, len(symbols))
	var misses []string

	for _, symbol := range symbols {
		e := c.entry(priceKey{accountID: accountID, symbol: symbol, priceType: priceType})
		e.mu.Lock()
		if e.valid && time.Since(e.fetchedAt) < ttl {
			result[symbol] = e.price
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()
		misses = append(misses, symbol)
	}

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := fetch(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices for %d symbols: %w", len(misses), err)
	}

	now := time.Now()
	for symbol, price := range fetched {
		e := c.entry(priceKey{accountID: accountID, symbol: symbol, priceType: priceType})
		e.mu.Lock()
		e.price = price
		e.fetchedAt = now
		e.valid = true
		e.mu.Unlock()
		result[symbol] = price
	}
	return result, nil
}

// Invalidate drops every cached entry for one account.
func (c *PriceCache) Invalidate(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.accountID == accountID {
			delete(c.entries, key)
		}
	}
}
