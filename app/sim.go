package app

import (
	"errors"

	"gridpilot/gateway"
	"gridpilot/position"
)

// simTrader serves gateway queries from the position cache itself, so the
// monitor's sync round-trips cleanly in simulated mode. Everything held is
// reported as available.
type simTrader struct {
	cache *position.Cache
}

func newSimTrader(cache *position.Cache) *simTrader {
	return &simTrader{cache: cache}
}

func (t *simTrader) QueryPositions(account string) ([]gateway.PositionSnapshot, error) {
	positions, _ := t.cache.List()
	out := make([]gateway.PositionSnapshot, 0, len(positions))
	for _, pos := range positions {
		if !pos.Held() {
			continue
		}
		out = append(out, gateway.PositionSnapshot{
			Code:      pos.Code,
			Name:      pos.Name,
			Volume:    pos.Volume,
			Available: pos.Volume,
			CostPrice: pos.CostPrice,
		})
	}
	return out, nil
}

func (t *simTrader) QueryAsset(account string) (*gateway.AssetSnapshot, error) {
	positions, _ := t.cache.List()
	var marketValue float64
	for _, pos := range positions {
		marketValue += pos.MarketValue
	}
	return &gateway.AssetSnapshot{
		TotalAsset:  marketValue,
		MarketValue: marketValue,
	}, nil
}

func (t *simTrader) PlaceOrder(code, side string, volume, price float64) (string, error) {
	// Simulated orders never reach a trader; the sim boundary fills them.
	return "", errors.New("simulated trader does not place orders")
}

func (t *simTrader) CancelOrder(orderID string) error {
	return nil
}
