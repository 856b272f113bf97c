package market

import (
	"sync"

	"gridpilot/gateway"
)

// SimFeed is an in-memory quote table for simulated runs. Prices are set
// directly (by tests, replay drivers, or the debug API) instead of arriving
// over a socket.
type SimFeed struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewSimFeed creates an empty simulated feed
func NewSimFeed() *SimFeed {
	return &SimFeed{prices: make(map[string]float64)}
}

// SetPrice publishes a quote
func (f *SimFeed) SetPrice(code string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[code] = price
}

// LatestPrice implements gateway.MarketFeed
func (f *SimFeed) LatestPrice(code string) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	price, ok := f.prices[code]
	if !ok || price <= 0 {
		return 0, gateway.ErrPriceUnavailable
	}
	return price, nil
}
