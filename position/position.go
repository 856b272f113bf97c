// Package position implements the dual-layer position store: a low-latency
// mutable cache over a durable layer. Volatile fields come from the gateway
// and market feed, durable fields are owned by strategy logic and flushed on
// a fixed interval without ever blocking the volatile path.
package position

import (
	"time"

	"gridpilot/store"
)

// Position one row per instrument
type Position struct {
	Code string `json:"code"`
	Name string `json:"name"`

	// Volatile fields, gateway-sourced on a fixed interval
	Volume       float64 `json:"volume"`
	Available    float64 `json:"available"`
	CostPrice    float64 `json:"cost_price"`
	CurrentPrice float64 `json:"current_price"`

	// Derived fields, recomputed on every price update
	MarketValue float64 `json:"market_value"`
	ProfitRatio float64 `json:"profit_ratio"`

	// Durable fields, mutated only by strategy logic
	OpenDate          time.Time `json:"open_date"`
	ProfitTriggered   bool      `json:"profit_triggered"`
	HighestPrice      float64   `json:"highest_price"`
	StopLossPrice     float64   `json:"stop_loss_price"`
	BreakoutTriggered bool      `json:"breakout_triggered"`
	BreakoutHighest   float64   `json:"breakout_highest"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Held reports whether the position is logically open
func (p *Position) Held() bool {
	return p.Volume > 0
}

// recompute refreshes the derived fields from the volatile ones.
// Must be called inside the cache's critical section.
func (p *Position) recompute() {
	p.MarketValue = p.Volume * p.CurrentPrice
	if p.CostPrice > 0 && p.CurrentPrice > 0 {
		p.ProfitRatio = (p.CurrentPrice - p.CostPrice) / p.CostPrice
	} else {
		p.ProfitRatio = 0
	}
}

// durableRecord extracts the durable-field subset for flushing
func (p *Position) durableRecord() *store.PositionRecord {
	return &store.PositionRecord{
		Code:              p.Code,
		Name:              p.Name,
		OpenDate:          p.OpenDate,
		ProfitTriggered:   p.ProfitTriggered,
		HighestPrice:      p.HighestPrice,
		StopLossPrice:     p.StopLossPrice,
		BreakoutTriggered: p.BreakoutTriggered,
		BreakoutHighest:   p.BreakoutHighest,
	}
}
