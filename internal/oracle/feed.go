package oracle

import (
	"errors"
	"math/big"
	"time"
)

// ErrNoPrice is returned before the first price observation arrives.
var ErrNoPrice = errors.New("oracle: no price observed yet")

// PriceFeed exposes the current exchange rate of the native asset in
// stable-unit terms, as a wad (1e18 = 1.0). Implementations do not promise
// freshness beyond a single operation's execution; the rate may change
// between calls.
type PriceFeed interface {
	CurrentPrice() (*big.Int, error)
}

// CachedFeed holds the latest observed price. It is updated by price-update
// operations flowing through the engine's serialized loop and read by the
// same loop, so it carries no locking of its own.
type CachedFeed struct {
	priceWad   *big.Int
	sequence   int64
	observedAt time.Time
}

func NewCachedFeed() *CachedFeed {
	return &CachedFeed{}
}

// RestoreCachedFeed seeds a feed from snapshot state. A nil price restores
// the never-observed condition.
func RestoreCachedFeed(priceWad *big.Int, sequence int64) *CachedFeed {
	f := NewCachedFeed()
	if priceWad != nil {
		f.priceWad = new(big.Int).Set(priceWad)
		f.sequence = sequence
	}
	return f
}

func (f *CachedFeed) CurrentPrice() (*big.Int, error) {
	if f.priceWad == nil {
		return nil, ErrNoPrice
	}
	return new(big.Int).Set(f.priceWad), nil
}

// Observe records a new price. Non-positive rates are ignored: a zero or
// negative exchange rate has no meaning and would poison every division
// downstream.
func (f *CachedFeed) Observe(priceWad *big.Int, sequence int64, observedAt time.Time) bool {
	if priceWad == nil || priceWad.Sign() <= 0 {
		return false
	}
	if f.priceWad == nil {
		f.priceWad = new(big.Int)
	}
	f.priceWad.Set(priceWad)
	f.sequence = sequence
	f.observedAt = observedAt
	return true
}

// Sequence returns the source sequence of the last observation.
func (f *CachedFeed) Sequence() int64 {
	return f.sequence
}

// ObservedAt returns when the last observation arrived.
func (f *CachedFeed) ObservedAt() time.Time {
	return f.observedAt
}

// StaticFeed always returns the same price. Test and bootstrap helper.
type StaticFeed struct {
	priceWad *big.Int
}

func NewStaticFeed(priceWad *big.Int) *StaticFeed {
	return &StaticFeed{priceWad: new(big.Int).Set(priceWad)}
}

func (f *StaticFeed) CurrentPrice() (*big.Int, error) {
	return new(big.Int).Set(f.priceWad), nil
}
