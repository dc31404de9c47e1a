// Package pricing defines the external pricing collaborator the Session
// Tracker consults for cost-per-kWh. spec.md §1 lists a "dynamic-pricing
// client" among the out-of-scope external collaborators (interface
// only); this package defines that interface plus two small
// implementations: a fixed-price default, and an HTTP-polling client
// whose fetch/cache idiom is grounded on entsoe/api_client.go's
// context-timeout http.Client pattern from the teacher repo (the ENTSO-E
// client itself is not reused verbatim — it decodes a specific XML
// market-document format this driver has no use for).
package pricing

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Source reports the current price per kWh, if known.
type Source interface {
	CurrentPricePerKWh(now time.Time) (price float64, available bool)
}

// Fixed always reports the same configured price.
type Fixed struct {
	PricePerKWh float64
}

// CurrentPricePerKWh implements Source.
func (f Fixed) CurrentPricePerKWh(time.Time) (float64, bool) {
	return f.PricePerKWh, true
}

// Fetcher retrieves the current price from an external endpoint; swap
// in a real dynamic-pricing client behind this signature.
type Fetcher func(ctx context.Context) (float64, error)

// Polled wraps a Fetcher with a cache. A successfully fetched price is
// reused for interval; after that, each call fetches again (bounded by a
// 5 s timeout) until a fetch succeeds, so a call that needs a refresh
// waits on the network. Grounded on the cache-then-fetch idiom in the teacher's
// scheduler/data.go WeatherForecastCache.
type Polled struct {
	fetch    Fetcher
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	price   float64
	valid   bool
	fetched time.Time
}

// NewPolled creates a Polled price source refreshed at most every interval.
func NewPolled(fetch Fetcher, interval time.Duration) *Polled {
	return &Polled{fetch: fetch, interval: interval, client: &http.Client{Timeout: 10 * time.Second}}
}

// CurrentPricePerKWh implements Source. It returns the cached price if
// still fresh; otherwise it attempts a refresh (bounded by a short
// context timeout) and falls back to the stale cache, or unavailable if
// nothing has ever been fetched.
func (p *Polled) CurrentPricePerKWh(now time.Time) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid && now.Sub(p.fetched) < p.interval {
		return p.price, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	price, err := p.fetch(ctx)
	if err != nil {
		return p.price, p.valid // stale cache, or unavailable if never fetched
	}

	p.price = price
	p.valid = true
	p.fetched = now
	return p.price, true
}
