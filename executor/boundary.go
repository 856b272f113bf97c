// Package executor consumes the pending-signal queue and turns surviving
// signals into orders. All brokerage side effects go through the Boundary
// so live and simulated runs share one code path.
package executor

import (
	"fmt"
	"sync/atomic"
	"time"

	"gridpilot/gateway"
	"gridpilot/logger"
	"gridpilot/position"
	"gridpilot/store"
)

// Order one resolved execution request
type Order struct {
	Code     string
	Name     string
	Side     string
	Volume   float64
	Price    float64
	Strategy string
}

// Boundary places orders and records them durably
type Boundary interface {
	Execute(order Order) (orderID string, err error)
}

// ==================== Live Boundary ====================

// LiveBoundary routes orders to the brokerage gateway. Every call is
// wrapped in a timeout so a hung gateway never stalls the execution loop.
type LiveBoundary struct {
	trader  gateway.Trader
	trades  *store.TradeStore
	timeout time.Duration
}

// NewLiveBoundary creates a live boundary over the given trading gateway
func NewLiveBoundary(trader gateway.Trader, trades *store.TradeStore, timeout time.Duration) *LiveBoundary {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &LiveBoundary{trader: trader, trades: trades, timeout: timeout}
}

// Execute implements Boundary
func (b *LiveBoundary) Execute(order Order) (string, error) {
	type result struct {
		orderID string
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := b.trader.PlaceOrder(order.Code, order.Side, order.Volume, order.Price)
		ch <- result{orderID: id, err: err}
	}()

	var orderID string
	select {
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("gateway order failed: %w", res.err)
		}
		orderID = res.orderID
	case <-time.After(b.timeout):
		return "", fmt.Errorf("gateway order timed out after %v", b.timeout)
	}

	b.recordTrade(order, orderID)
	return orderID, nil
}

func (b *LiveBoundary) recordTrade(order Order, orderID string) {
	if b.trades == nil {
		return
	}
	rec := &store.TradeRecord{
		Code:     order.Code,
		Side:     order.Side,
		Price:    order.Price,
		Volume:   order.Volume,
		Amount:   order.Price * order.Volume,
		OrderID:  orderID,
		Strategy: order.Strategy,
	}
	if err := b.trades.Create(rec); err != nil {
		logger.Warnf("⚠️  Failed to record trade %s %s: %v", order.Code, order.Side, err)
	}
}

// ==================== Simulated Boundary ====================

// SimBoundary fills orders instantly against the position cache. Order ids
// carry a SIM prefix so they are visually unmistakable in trade history.
type SimBoundary struct {
	cache   *position.Cache
	trades  *store.TradeStore
	counter atomic.Uint64
}

// NewSimBoundary creates a simulated boundary over the position cache
func NewSimBoundary(cache *position.Cache, trades *store.TradeStore) *SimBoundary {
	return &SimBoundary{cache: cache, trades: trades}
}

// Execute implements Boundary
func (b *SimBoundary) Execute(order Order) (string, error) {
	if order.Volume <= 0 || order.Price <= 0 {
		return "", fmt.Errorf("invalid simulated order: volume=%.2f price=%.4f", order.Volume, order.Price)
	}

	n := b.counter.Add(1)
	orderID := fmt.Sprintf("SIM%s%03d", time.Now().Format("20060102150405"), n%1000)

	b.cache.ApplyFill(order.Code, order.Name, order.Side, order.Volume, order.Price)

	if b.trades != nil {
		rec := &store.TradeRecord{
			Code:     order.Code,
			Side:     order.Side,
			Price:    order.Price,
			Volume:   order.Volume,
			Amount:   order.Price * order.Volume,
			OrderID:  orderID,
			Strategy: order.Strategy,
		}
		if err := b.trades.Create(rec); err != nil {
			logger.Warnf("⚠️  Failed to record simulated trade %s %s: %v", order.Code, order.Side, err)
		}
	}
	return orderID, nil
}
