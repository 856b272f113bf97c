package executor

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"gridpilot/gateway"
	"gridpilot/grid"
	"gridpilot/position"
	"gridpilot/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBoundary struct {
	orders []Order
	err    error
}

func (b *fakeBoundary) Execute(order Order) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.orders = append(b.orders, order)
	return "ORDER1", nil
}

func newTestExecutor(t *testing.T) (*Executor, *fakeBoundary, *signal.Queue, *position.Cache, *grid.Engine) {
	t.Helper()
	cache := position.NewCache(nil)
	cache.Sync([]gateway.PositionSnapshot{{
		Code:      "600001",
		Name:      "Test",
		Volume:    1000,
		Available: 1000,
		CostPrice: 10.0,
	}})
	cache.UpdatePrice("600001", 10.0)

	queue := signal.NewQueue(time.Minute, 5*time.Minute)
	engine := grid.NewEngine(queue, cache, nil, 60*time.Second, 100)
	boundary := &fakeBoundary{}
	exec := New(queue, cache, engine, boundary, time.Second, 100)
	exec.SetEnabled(true)
	return exec, boundary, queue, cache, engine
}

func activateGridSession(t *testing.T, engine *grid.Engine) grid.Session {
	t.Helper()
	sess, err := engine.CreateSession("600001", grid.Config{
		Interval:      0.06,
		TradeRatio:    0.25,
		BuyAmount:     10000,
		CallbackRatio: 0.005,
	})
	require.NoError(t, err)
	require.NoError(t, engine.RecordFill(sess.ID, "BUY", 10.0, 100, 10.0))
	return sess
}

func TestDisabledDiscardsSignals(t *testing.T) {
	exec, boundary, queue, _, _ := newTestExecutor(t)
	exec.SetEnabled(false)

	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindStopLoss, Price: 9.0})
	exec.runOnce()

	assert.Empty(t, boundary.orders)
	assert.Equal(t, 0, queue.PendingCount())
}

func TestStopLossSellsEverything(t *testing.T) {
	exec, boundary, queue, _, _ := newTestExecutor(t)

	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindStopLoss, Price: 9.0})
	exec.runOnce()

	require.Len(t, boundary.orders, 1)
	order := boundary.orders[0]
	assert.Equal(t, gateway.SideSell, order.Side)
	assert.Equal(t, 1000.0, order.Volume)
	assert.Equal(t, "stop_loss", order.Strategy)
	// Executed at the cache's current price, not the detection price
	assert.Equal(t, 10.0, order.Price)
	assert.True(t, queue.InCooldown("600001", signal.KindStopLoss))
}

func TestRiskSignalWinsArbitrationAndForcesGridExit(t *testing.T) {
	exec, boundary, queue, _, engine := newTestExecutor(t)
	activateGridSession(t, engine)

	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindGridSell, Volume: 200, Price: 10.5})
	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindStopLoss, Price: 9.0})
	exec.runOnce()

	require.Len(t, boundary.orders, 1)
	assert.Equal(t, "stop_loss", boundary.orders[0].Strategy)

	_, active := engine.ActiveSession("600001")
	assert.False(t, active)
}

func TestGridExitIsCommandNotOrder(t *testing.T) {
	exec, boundary, queue, _, engine := newTestExecutor(t)
	sess := activateGridSession(t, engine)

	queue.Enqueue(&signal.Signal{
		Code:      "600001",
		Kind:      signal.KindGridExit,
		SessionID: sess.ID,
		Reason:    "operator_stop",
	})
	exec.runOnce()

	assert.Empty(t, boundary.orders)
	_, active := engine.ActiveSession("600001")
	assert.False(t, active)
	assert.True(t, queue.InCooldown("600001", signal.KindGridExit))
}

func TestStaleGridExitRejected(t *testing.T) {
	exec, boundary, queue, _, engine := newTestExecutor(t)
	sess := activateGridSession(t, engine)

	queue.Enqueue(&signal.Signal{
		Code:      "600001",
		Kind:      signal.KindGridExit,
		SessionID: sess.ID,
		Reason:    "operator_stop",
		CreatedAt: time.Now().Add(-10 * time.Minute),
	})
	exec.runOnce()

	assert.Empty(t, boundary.orders)
	// Stale commands never execute: the session survives and no cooldown starts
	_, active := engine.ActiveSession("600001")
	assert.True(t, active)
	assert.False(t, queue.InCooldown("600001", signal.KindGridExit))
}

func TestGridExitRunsWhileTradingDisabled(t *testing.T) {
	exec, boundary, queue, _, engine := newTestExecutor(t)
	sess := activateGridSession(t, engine)
	exec.SetEnabled(false)

	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindStopLoss, Price: 9.0})
	queue.Enqueue(&signal.Signal{
		Code:      "600001",
		Kind:      signal.KindGridExit,
		SessionID: sess.ID,
		Reason:    "operator_stop",
	})
	exec.runOnce()

	// The stop command stops the session; the order-placing signal is discarded
	assert.Empty(t, boundary.orders)
	_, active := engine.ActiveSession("600001")
	assert.False(t, active)
	assert.False(t, queue.InCooldown("600001", signal.KindStopLoss))
}

func TestTakeProfitInitSetsDurableFlag(t *testing.T) {
	exec, boundary, queue, cache, _ := newTestExecutor(t)

	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindTakeProfitInit, Ratio: 0.5, Price: 11.0})
	exec.runOnce()

	require.Len(t, boundary.orders, 1)
	assert.Equal(t, 500.0, boundary.orders[0].Volume)

	pos, _, _ := cache.Get("600001")
	assert.True(t, pos.ProfitTriggered)
}

func TestGridBuyRecordsFill(t *testing.T) {
	exec, boundary, queue, _, engine := newTestExecutor(t)
	sess := activateGridSession(t, engine)

	queue.Enqueue(&signal.Signal{
		Code:      "600001",
		Kind:      signal.KindGridBuy,
		Volume:    1000,
		Price:     9.4,
		SessionID: sess.ID,
		Level:     9.4,
	})
	exec.runOnce()

	require.Len(t, boundary.orders, 1)
	assert.Equal(t, gateway.SideBuy, boundary.orders[0].Side)

	after, ok := engine.ActiveSession("600001")
	require.True(t, ok)
	assert.Equal(t, 2, after.BuyCount) // activation fill plus this one
	assert.Equal(t, 2, after.TradeCount)
	// Grid rebuilt around the fill price
	assert.Equal(t, 10.0, after.CurrentCenter)
}

func TestInsufficientVolumeRejected(t *testing.T) {
	exec, boundary, queue, cache, _ := newTestExecutor(t)

	cache.Sync([]gateway.PositionSnapshot{{
		Code: "600001", Name: "Test", Volume: 1000, Available: 100, CostPrice: 10.0,
	}})
	cache.UpdatePrice("600001", 10.0)

	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindStopLoss, Volume: 500, Price: 9.0})
	exec.runOnce()

	assert.Empty(t, boundary.orders)
	// Rejection is not execution: no cooldown started
	assert.False(t, queue.InCooldown("600001", signal.KindStopLoss))
}

func TestFailedExecutionDoesNotStartCooldown(t *testing.T) {
	exec, boundary, queue, _, _ := newTestExecutor(t)
	boundary.err = errors.New("exchange rejected")

	queue.Enqueue(&signal.Signal{Code: "600001", Kind: signal.KindStopLoss, Price: 9.0})
	exec.runOnce()

	assert.False(t, queue.InCooldown("600001", signal.KindStopLoss))
}

func TestSimOrderIDFormat(t *testing.T) {
	cache := position.NewCache(nil)
	cache.Sync([]gateway.PositionSnapshot{{
		Code: "600001", Volume: 1000, Available: 1000, CostPrice: 10.0,
	}})
	boundary := NewSimBoundary(cache, nil)

	id, err := boundary.Execute(Order{Code: "600001", Side: gateway.SideSell, Volume: 100, Price: 10.0})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^SIM\d{14}\d{3}$`), id)

	pos, _, _ := cache.Get("600001")
	assert.Equal(t, 900.0, pos.Volume)
}
