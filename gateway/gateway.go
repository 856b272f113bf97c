// Package gateway defines the external brokerage and market-data boundaries.
// The core treats every call here as fallible: a failed or timed-out call
// means "skip this iteration", never a fatal error.
package gateway

import "errors"

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// ErrPriceUnavailable is returned when no quote exists for an instrument
var ErrPriceUnavailable = errors.New("price unavailable")

// PositionSnapshot gateway-sourced view of one held instrument
type PositionSnapshot struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Volume    float64 `json:"volume"`    // total held volume
	Available float64 `json:"available"` // volume available to sell
	CostPrice float64 `json:"cost_price"`
}

// AssetSnapshot gateway-sourced account totals
type AssetSnapshot struct {
	TotalAsset    float64 `json:"total_asset"`
	AvailableCash float64 `json:"available_cash"`
	MarketValue   float64 `json:"market_value"`
}

// Trader is the brokerage trading gateway
type Trader interface {
	QueryPositions(account string) ([]PositionSnapshot, error)
	QueryAsset(account string) (*AssetSnapshot, error)
	PlaceOrder(code, side string, volume, price float64) (string, error)
	CancelOrder(orderID string) error
}

// MarketFeed serves the latest traded price per instrument
type MarketFeed interface {
	LatestPrice(code string) (float64, error)
}
