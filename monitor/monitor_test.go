package monitor

import (
	"testing"
	"time"

	"gridpilot/gateway"
	"gridpilot/grid"
	"gridpilot/market"
	"gridpilot/position"
	"gridpilot/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrader struct {
	snapshots []gateway.PositionSnapshot
	delay     time.Duration
	calls     int
}

func (f *fakeTrader) QueryPositions(account string) ([]gateway.PositionSnapshot, error) {
	f.calls++
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.snapshots, nil
}

func (f *fakeTrader) QueryAsset(account string) (*gateway.AssetSnapshot, error) {
	return &gateway.AssetSnapshot{}, nil
}

func (f *fakeTrader) PlaceOrder(code, side string, volume, price float64) (string, error) {
	return "", nil
}

func (f *fakeTrader) CancelOrder(orderID string) error { return nil }

func testParams() Params {
	return Params{
		Interval:            3 * time.Second,
		OffHoursInterval:    30 * time.Second,
		GatewayTimeout:      50 * time.Millisecond,
		StopLossRatio:       -0.07,
		InitTakeProfitRatio: 0.05,
		InitSellRatio:       0.5,
		DrawdownRatio:       0.03,
	}
}

func newTestMonitor(t *testing.T, trader *fakeTrader, params Params) (*Monitor, *signal.Queue, *position.Cache, *market.SimFeed) {
	t.Helper()
	cache := position.NewCache(nil)
	queue := signal.NewQueue(time.Minute, 5*time.Minute)
	engine := grid.NewEngine(queue, cache, nil, time.Minute, 100)
	feed := market.NewSimFeed()
	m := New(trader, feed, cache, queue, engine, params)
	return m, queue, cache, feed
}

func heldSnapshot(cost float64) []gateway.PositionSnapshot {
	return []gateway.PositionSnapshot{{
		Code:      "600001",
		Name:      "Test",
		Volume:    1000,
		Available: 1000,
		CostPrice: cost,
	}}
}

func drainKinds(q *signal.Queue) map[signal.Kind]*signal.Signal {
	out := make(map[signal.Kind]*signal.Signal)
	for _, sig := range q.Drain() {
		out[sig.Kind] = sig
	}
	return out
}

func TestGatewayTimeoutAbandonsIterationOnly(t *testing.T) {
	trader := &fakeTrader{snapshots: heldSnapshot(10.0), delay: 200 * time.Millisecond}
	m, _, cache, _ := newTestMonitor(t, trader, testParams())

	// Seed the cache so there is state a bad sync could corrupt
	cache.Sync(heldSnapshot(10.0))
	before := cache.Version()

	// Two consecutive timeouts: the loop keeps going and the cache is
	// untouched both times.
	m.tick(m.snapshot())
	m.tick(m.snapshot())

	assert.Equal(t, 2, m.syncFailures)
	assert.Equal(t, before, cache.Version())

	pos, _, ok := cache.Get("600001")
	require.True(t, ok)
	assert.Equal(t, 1000.0, pos.Volume)

	// Gateway recovers: the next tick syncs normally
	trader.delay = 0
	m.tick(m.snapshot())
	assert.Equal(t, 0, m.syncFailures)
	assert.Greater(t, cache.Version(), before)
}

func TestStopLossByExplicitStopPrice(t *testing.T) {
	trader := &fakeTrader{snapshots: heldSnapshot(10.0)}
	params := testParams()
	params.StopLossRatio = 0 // isolate the explicit stop price path
	m, queue, cache, feed := newTestMonitor(t, trader, params)

	cache.Sync(heldSnapshot(10.0))
	cache.MutateDurable("600001", func(p *position.Position) { p.StopLossPrice = 9.30 })

	feed.SetPrice("600001", 9.31)
	m.tick(m.snapshot())
	assert.Empty(t, drainKinds(queue))

	feed.SetPrice("600001", 9.24)
	m.tick(m.snapshot())
	kinds := drainKinds(queue)
	require.Contains(t, kinds, signal.KindStopLoss)
	assert.Equal(t, 9.24, kinds[signal.KindStopLoss].Price)
}

func TestStopLossByLossRatio(t *testing.T) {
	trader := &fakeTrader{snapshots: heldSnapshot(10.0)}
	m, queue, _, feed := newTestMonitor(t, trader, testParams())

	// -7.0% exactly hits the -7% limit
	feed.SetPrice("600001", 9.30)
	m.tick(m.snapshot())
	kinds := drainKinds(queue)
	assert.Contains(t, kinds, signal.KindStopLoss)

	// -6.9% stays above it
	feed.SetPrice("600001", 9.311)
	m.tick(m.snapshot())
	kinds = drainKinds(queue)
	assert.NotContains(t, kinds, signal.KindStopLoss)
}

func TestInitialTakeProfit(t *testing.T) {
	trader := &fakeTrader{snapshots: heldSnapshot(10.0)}
	m, queue, cache, feed := newTestMonitor(t, trader, testParams())

	feed.SetPrice("600001", 10.60)
	m.tick(m.snapshot())

	kinds := drainKinds(queue)
	require.Contains(t, kinds, signal.KindTakeProfitInit)
	assert.Equal(t, 0.5, kinds[signal.KindTakeProfitInit].Ratio)

	// Once the flag is set the initial trigger never fires again
	cache.MutateDurable("600001", func(p *position.Position) { p.ProfitTriggered = true })
	m.tick(m.snapshot())
	kinds = drainKinds(queue)
	assert.NotContains(t, kinds, signal.KindTakeProfitInit)
}

func TestDynamicTakeProfitTracksHighWaterMark(t *testing.T) {
	trader := &fakeTrader{snapshots: heldSnapshot(10.0)}
	m, queue, cache, feed := newTestMonitor(t, trader, testParams())

	cache.Sync(heldSnapshot(10.0))
	cache.MutateDurable("600001", func(p *position.Position) { p.ProfitTriggered = true })

	// Rising prices only move the high-water mark
	feed.SetPrice("600001", 11.0)
	m.tick(m.snapshot())
	queue.Drain()

	pos, _, _ := cache.Get("600001")
	assert.Equal(t, 11.0, pos.HighestPrice)

	// 3.6% off the high crosses the 3% drawdown threshold
	feed.SetPrice("600001", 10.6)
	m.tick(m.snapshot())
	kinds := drainKinds(queue)
	require.Contains(t, kinds, signal.KindTakeProfitDyn)
}

func TestBreakoutTrailing(t *testing.T) {
	trader := &fakeTrader{snapshots: heldSnapshot(10.0)}
	params := testParams()
	params.BreakoutRatio = 0.10
	params.BreakoutDrawdown = 0.05
	m, queue, cache, feed := newTestMonitor(t, trader, params)

	// +12% over cost arms the breakout tracker
	feed.SetPrice("600001", 11.2)
	m.tick(m.snapshot())
	queue.Drain()

	pos, _, _ := cache.Get("600001")
	assert.True(t, pos.BreakoutTriggered)
	assert.Equal(t, 11.2, pos.BreakoutHighest)

	// 5.4% off the breakout high fires the trailing exit
	feed.SetPrice("600001", 10.6)
	m.tick(m.snapshot())
	kinds := drainKinds(queue)
	require.Contains(t, kinds, signal.KindTakeProfitDyn)
}

func TestNoQuoteSkipsDetectors(t *testing.T) {
	trader := &fakeTrader{snapshots: heldSnapshot(10.0)}
	m, queue, cache, _ := newTestMonitor(t, trader, testParams())

	// Sync succeeds but there is no quote: position present, no signals
	m.tick(m.snapshot())

	_, _, ok := cache.Get("600001")
	assert.True(t, ok)
	assert.Equal(t, 0, queue.PendingCount())
}
