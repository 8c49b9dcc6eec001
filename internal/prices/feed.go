// Package prices is the reference price feed consumed by settlement and the
// P&L stream: the best current price per currency symbol, possibly stale.
package prices

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Lookup resolves the current price of a currency. ok is false when no price is known.
type Lookup func(currency string) (price decimal.Decimal, ok bool)

// Feed is a source of reference prices that can be refreshed on a schedule.
type Feed interface {
	PriceOf(currency string) (decimal.Decimal, bool)
	Snapshot() []Quote
	Refresh()
}

// Quote is one currency's price at the time it was last refreshed
type Quote struct {
	Currency  string          `json:"currency"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Anchor seeds a simulated currency: prices wander uniformly within Base±Jitter.
type Anchor struct {
	Base   decimal.Decimal
	Jitter decimal.Decimal
}

// SimulatedFeed is an in-memory table jittered around fixed anchors on every Refresh.
type SimulatedFeed struct {
	mu      sync.RWMutex
	anchors map[string]Anchor
	quotes  map[string]Quote
	rnd     *rand.Rand
	now     func() time.Time
}

var _ Feed = (*SimulatedFeed)(nil)

// NewSimulatedFeed starts every currency at its base price.
func NewSimulatedFeed(anchors map[string]Anchor, rnd *rand.Rand) *SimulatedFeed {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	f := &SimulatedFeed{
		anchors: make(map[string]Anchor, len(anchors)),
		quotes:  make(map[string]Quote, len(anchors)),
		rnd:     rnd,
		now:     time.Now,
	}
	now := f.now()
	for currency, a := range anchors {
		f.anchors[currency] = a
		f.quotes[currency] = Quote{Currency: currency, Price: a.Base, UpdatedAt: now}
	}
	return f
}

// PriceOf returns the last refreshed price of currency
func (f *SimulatedFeed) PriceOf(currency string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[currency]
	return q.Price, ok
}

// Snapshot returns all quotes sorted by currency
func (f *SimulatedFeed) Snapshot() []Quote {
	f.mu.RLock()
	out := make([]Quote, 0, len(f.quotes))
	for _, q := range f.quotes {
		out = append(out, q)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// Refresh moves every anchored price to a new point in Base±Jitter
func (f *SimulatedFeed) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for currency, a := range f.anchors {
		// offset in [-1, 1)
		offset := decimal.NewFromFloat(f.rnd.Float64()*2 - 1)
		price := a.Base.Add(a.Jitter.Mul(offset)).Round(8)
		f.quotes[currency] = Quote{Currency: currency, Price: price, UpdatedAt: now}
	}
}

// Set pins a currency's price until the next Refresh moves it. Unknown
// currencies are added without an anchor and never move.
func (f *SimulatedFeed) Set(currency string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[currency] = Quote{Currency: currency, Price: price, UpdatedAt: f.now()}
}
