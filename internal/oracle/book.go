// Package oracle keeps USD quotes for the assets funds hold and serves them
// through farm.PriceSource.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNoPrice    = errors.New("no price for asset")
	ErrPriceStale = errors.New("price stale")
)

// Cache is a second-level store consulted when the book has no quote.
type Cache interface {
	GetPrice(ctx context.Context, asset common.Address) (*uint256.Int, time.Time, error)
	SetPrice(ctx context.Context, asset common.Address, price *uint256.Int, ts time.Time) error
}

type quote struct {
	price  *uint256.Int
	at     time.Time
	pinned bool
}

// Book is an in-memory price book. A zero MaxAge disables staleness checks.
type Book struct {
	maxAge time.Duration
	cache  Cache
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[common.Address]quote
}

func NewBook(maxAge time.Duration, cache Cache) *Book {
	return &Book{
		maxAge: maxAge,
		cache:  cache,
		now:    time.Now,
		quotes: make(map[common.Address]quote),
	}
}

// Set records price for asset. Older quotes never replace newer ones, but any
// dated quote replaces a pinned one.
func (b *Book) Set(asset common.Address, price *uint256.Int, at time.Time) {
	if price == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.quotes[asset]; ok && !cur.pinned && cur.at.After(at) {
		return
	}
	b.quotes[asset] = quote{price: new(uint256.Int).Set(price), at: at}
}

// Pin records a static quote that never goes stale. Configured prices are
// pinned so a daemon without a live feed keeps valuing funds.
func (b *Book) Pin(asset common.Address, price *uint256.Int) {
	if price == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.quotes[asset]; ok && !cur.pinned {
		return
	}
	b.quotes[asset] = quote{price: new(uint256.Int).Set(price), at: b.now(), pinned: true}
}

// Update sets the quote and writes it through to the cache.
func (b *Book) Update(ctx context.Context, asset common.Address, price *uint256.Int, at time.Time) error {
	b.Set(asset, price, at)
	if b.cache == nil {
		return nil
	}
	if err := b.cache.SetPrice(ctx, asset, price, at); err != nil {
		return fmt.Errorf("cache price %s: %w", asset.Hex(), err)
	}
	return nil
}

func (b *Book) USDPrice(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	b.mu.RLock()
	q, ok := b.quotes[asset]
	b.mu.RUnlock()
	if !ok {
		if b.cache == nil {
			return nil, fmt.Errorf("%s: %w", asset.Hex(), ErrNoPrice)
		}
		price, at, err := b.cache.GetPrice(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", asset.Hex(), err)
		}
		b.Set(asset, price, at)
		q = quote{price: price, at: at}
	}
	if b.maxAge > 0 && !q.pinned {
		if age := b.now().Sub(q.at); age > b.maxAge {
			return nil, fmt.Errorf("price age %s exceeds %s: %w", age, b.maxAge, ErrPriceStale)
		}
	}
	return new(uint256.Int).Set(q.price), nil
}

// Assets lists every asset with a quote in memory.
func (b *Book) Assets() []common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]common.Address, 0, len(b.quotes))
	for asset := range b.quotes {
		out = append(out, asset)
	}
	return out
}
