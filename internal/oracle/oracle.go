// Package oracle defines the price feed interface consumed by the risk
// engine and a validating wrapper that enforces feed health. A failing,
// stale, or zero read surfaces as an error; callers apply their own
// conservative fallback — the wrapper never invents a price.
package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoFeed is returned when no feed exists for the requested pair.
	ErrNoFeed = errors.New("oracle: no feed for pair")

	// ErrZeroPrice is returned when a feed reports a zero price.
	ErrZeroPrice = errors.New("oracle: zero price")

	// ErrInvalidTimestamp is returned for a zero or future updatedAt.
	ErrInvalidTimestamp = errors.New("oracle: invalid price timestamp")

	// ErrStalePrice is returned when the price is older than the effective
	// staleness bound.
	ErrStalePrice = errors.New("oracle: stale price")
)

// Quote is one validated price observation: how much quote asset one whole
// unit of the base asset is worth, to 8 decimal places.
type Quote struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
}

// PriceOracle is the raw upstream feed. Implementations are untrusted:
// callers must validate every read.
type PriceOracle interface {
	GetPrice(base, quote string) (Quote, error)
}

// Validated wraps a raw oracle with health checks. The effective staleness
// bound per pair is the minimum of the global bound and a per-feed bound,
// when configured (zero means unbounded).
type Validated struct {
	upstream PriceOracle
	now      func() time.Time

	mu           sync.RWMutex
	maxStaleness time.Duration
	perFeed      map[string]time.Duration
}

// NewValidated creates a validating wrapper. now may be nil for wall-clock.
func NewValidated(upstream PriceOracle, maxStaleness time.Duration, now func() time.Time) *Validated {
	if now == nil {
		now = time.Now
	}
	return &Validated{
		upstream:     upstream,
		now:          now,
		maxStaleness: maxStaleness,
		perFeed:      make(map[string]time.Duration),
	}
}

// SetFeedStaleness configures a per-feed staleness bound for base/quote.
func (v *Validated) SetFeedStaleness(base, quote string, bound time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.perFeed[pairKey(base, quote)] = bound
}

func pairKey(base, quote string) string { return base + "/" + quote }

// effectiveBound returns the tightest configured staleness bound for a pair.
func (v *Validated) effectiveBound(base, quote string) time.Duration {
	v.mu.RLock()
	defer v.mu.RUnlock()
	bound := v.maxStaleness
	if per, ok := v.perFeed[pairKey(base, quote)]; ok && per > 0 {
		if bound == 0 || per < bound {
			bound = per
		}
	}
	return bound
}

// GetPrice reads and validates one price. Zero price, zero/future timestamp,
// and staleness beyond the effective bound all fail the read.
func (v *Validated) GetPrice(base, quote string) (Quote, error) {
	q, err := v.upstream.GetPrice(base, quote)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s/%s: %v", ErrNoFeed, base, quote, err)
	}
	if !q.Price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrZeroPrice, base, quote)
	}
	now := v.now()
	if q.UpdatedAt.IsZero() || q.UpdatedAt.After(now) {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrInvalidTimestamp, base, quote)
	}
	if bound := v.effectiveBound(base, quote); bound > 0 {
		if now.Sub(q.UpdatedAt) > bound {
			return Quote{}, fmt.Errorf("%w: %s/%s age=%s", ErrStalePrice, base, quote, now.Sub(q.UpdatedAt))
		}
	}
	return q, nil
}

// Static is an in-memory oracle for development and tests. Prices are set
// explicitly and timestamped at write time.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	now    func() time.Time
}

// NewStatic creates an empty static oracle. now may be nil for wall-clock.
func NewStatic(now func() time.Time) *Static {
	if now == nil {
		now = time.Now
	}
	return &Static{quotes: make(map[string]Quote), now: now}
}

// SetPrice stores a price for base/quote, rounded to 8 decimal places,
// stamped with the current time.
func (s *Static) SetPrice(base, quote string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[pairKey(base, quote)] = Quote{Price: price.Round(8), UpdatedAt: s.now()}
}

// SetQuote stores a fully specified observation, timestamp included.
func (s *Static) SetQuote(base, quote string, q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[pairKey(base, quote)] = q
}

// Drop removes a feed, simulating an unavailable pair.
func (s *Static) Drop(base, quote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, pairKey(base, quote))
}

func (s *Static) GetPrice(base, quote string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[pairKey(base, quote)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrNoFeed, base, quote)
	}
	return q, nil
}
