package grid

import (
	"testing"
	"time"

	"gridpilot/gateway"
	"gridpilot/position"
	"gridpilot/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *signal.Queue, *position.Cache) {
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
	engine := NewEngine(queue, cache, nil, 60*time.Second, 100)
	return engine, queue, cache
}

func activeSession(t *testing.T, e *Engine, cfg Config) Session {
	t.Helper()
	sess, err := e.CreateSession("600001", cfg)
	require.NoError(t, err)
	// First fill at the center activates the session without moving it
	require.NoError(t, e.RecordFill(sess.ID, "BUY", sess.CurrentCenter, 100, sess.CurrentCenter))
	out, ok := e.ActiveSession("600001")
	require.True(t, ok)
	require.Equal(t, StatusActive, out.Status)
	return out
}

func defaultConfig() Config {
	return Config{
		Interval:      0.06,
		TradeRatio:    0.25,
		BuyAmount:     10000,
		CallbackRatio: 0.005,
		MaxInvestment: 50000,
		MaxDeviation:  0.15,
		TargetProfit:  0.10,
		StopLoss:      -0.08,
		Duration:      30 * 24 * time.Hour,
	}
}

func TestLevelsFollowCurrentCenter(t *testing.T) {
	s := &Session{CurrentCenter: 10.0, Config: Config{Interval: 0.06}}
	lower, center, upper := s.Levels()
	assert.InDelta(t, 9.4, lower, 1e-9)
	assert.InDelta(t, 10.0, center, 1e-9)
	assert.InDelta(t, 10.6, upper, 1e-9)
}

func TestCreateSessionRequiresHeldPosition(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.CreateSession("999999", defaultConfig())
	assert.Error(t, err)

	sess, err := e.CreateSession("600001", defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sess.Status)
	assert.Equal(t, sess.LockedCenter, sess.CurrentCenter)

	// One non-terminal session per instrument
	_, err = e.CreateSession("600001", defaultConfig())
	assert.Error(t, err)
}

func TestSellFiresOnCallbackAfterUpperCross(t *testing.T) {
	e, queue, _ := newTestEngine(t)
	activeSession(t, e, defaultConfig())

	// Crossing the upper level arms the tracker but fires nothing
	e.OnPrice("600001", 10.60)
	assert.Equal(t, 0, queue.PendingCount())

	// Retracement below the callback threshold: still nothing
	e.OnPrice("600001", 10.55)
	assert.Equal(t, 0, queue.PendingCount())

	// Retracement reaches the threshold: sell fires at the current price
	e.OnPrice("600001", 10.546)
	signals := queue.Drain()
	require.Len(t, signals, 1)
	assert.Equal(t, signal.KindGridSell, signals[0].Kind)
	assert.Equal(t, 10.546, signals[0].Price)
	// 1000 held * 0.25 ratio floored to the 100-share lot
	assert.Equal(t, 200.0, signals[0].Volume)
}

func TestBuyFiresOnReboundAfterLowerCross(t *testing.T) {
	e, queue, _ := newTestEngine(t)
	activeSession(t, e, defaultConfig())

	e.OnPrice("600001", 9.40)
	e.OnPrice("600001", 9.35) // new valley
	assert.Equal(t, 0, queue.PendingCount())

	e.OnPrice("600001", 9.40) // rebound 0.53% over the 0.5% threshold
	signals := queue.Drain()
	require.Len(t, signals, 1)
	assert.Equal(t, signal.KindGridBuy, signals[0].Kind)
	// 10000 budget / 9.40 floored to the lot
	assert.Equal(t, 1000.0, signals[0].Volume)
}

func TestLevelCooldownBlocksRefire(t *testing.T) {
	e, queue, _ := newTestEngine(t)
	activeSession(t, e, defaultConfig())

	now := time.Now()
	e.now = func() time.Time { return now }

	e.OnPrice("600001", 10.60)
	e.OnPrice("600001", 10.50)
	require.Len(t, queue.Drain(), 1)

	// Re-cross and retrace inside the cooldown window: suppressed
	e.OnPrice("600001", 10.60)
	e.OnPrice("600001", 10.50)
	assert.Equal(t, 0, queue.PendingCount())

	// After the window the level may fire again
	now = now.Add(61 * time.Second)
	e.OnPrice("600001", 10.60)
	e.OnPrice("600001", 10.50)
	assert.Equal(t, 1, queue.PendingCount())
}

func TestRecordFillRebuildsAroundFillPrice(t *testing.T) {
	e, queue, _ := newTestEngine(t)
	sess := activeSession(t, e, defaultConfig())
	locked := sess.LockedCenter

	e.OnPrice("600001", 10.60)
	e.OnPrice("600001", 10.50)
	require.Len(t, queue.Drain(), 1)

	require.NoError(t, e.RecordFill(sess.ID, "SELL", 10.50, 200, 10.60))

	after, ok := e.ActiveSession("600001")
	require.True(t, ok)
	assert.Equal(t, locked, after.LockedCenter) // immutable
	assert.Equal(t, 10.50, after.CurrentCenter)

	lower, center, upper := after.Levels()
	assert.InDelta(t, 10.50*0.94, lower, 1e-9)
	assert.InDelta(t, 10.50, center, 1e-9)
	assert.InDelta(t, 10.50*1.06, upper, 1e-9)

	// Tracker state and cooldowns were cleared: the new upper level can
	// fire immediately.
	e.OnPrice("600001", 10.50*1.06)
	e.OnPrice("600001", 10.50)
	assert.Equal(t, 1, queue.PendingCount())

	assert.Equal(t, 2, after.TradeCount)
	assert.Equal(t, 1, after.SellCount)
	assert.InDelta(t, 2100.0, after.SellAmount, 1e-9)
}

func TestMaxInvestmentCapsBuys(t *testing.T) {
	e, queue, _ := newTestEngine(t)
	cfg := defaultConfig()
	cfg.MaxInvestment = 1500 // first activation fill consumes 1000
	activeSession(t, e, cfg)

	e.OnPrice("600001", 9.40)
	e.OnPrice("600001", 9.35)
	e.OnPrice("600001", 9.40)
	// 10000/9.40 -> 1000 shares (~9400) would blow the cap
	assert.Equal(t, 0, queue.PendingCount())
}

func TestEvaluateExitOrderIsDeterministic(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sess := activeSession(t, e, defaultConfig())

	// Drift the current center far enough that deviation, profit and
	// timeout are all true at once; deviation must win.
	require.NoError(t, e.RecordFill(sess.ID, "SELL", 12.0, 800, 12.0))
	e.now = func() time.Time { return sess.EndTime.Add(time.Hour) }

	e.mu.Lock()
	s := e.byIDLocked(sess.ID)
	e.mu.Unlock()

	e.EvaluateExit("600001", 12.0, 1000)

	assert.Equal(t, StatusExited, s.Status)
	assert.Equal(t, ExitReasonDeviation, s.ExitReason)

	_, ok := e.ActiveSession("600001")
	assert.False(t, ok)
}

func TestEvaluateExitReasons(t *testing.T) {
	// Profit and loss checks are disabled so the later conditions in the
	// evaluation order can be reached in isolation.
	clearedCfg := defaultConfig()
	clearedCfg.TargetProfit = 0
	clearedCfg.StopLoss = 0

	cases := []struct {
		name   string
		cfg    Config
		mutate func(e *Engine, s *Session)
		price  float64
		held   float64
		reason string
	}{
		{
			name: "timeout",
			cfg:  clearedCfg,
			mutate: func(e *Engine, s *Session) {
				e.now = func() time.Time { return s.EndTime.Add(time.Minute) }
			},
			price: 10.0, held: 1000, reason: ExitReasonTimeout,
		},
		{
			name:   "cleared",
			cfg:    clearedCfg,
			mutate: func(e *Engine, s *Session) {},
			price:  10.0, held: 0, reason: ExitReasonCleared,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t)
			sess := activeSession(t, e, tc.cfg)

			e.mu.Lock()
			s := e.byIDLocked(sess.ID)
			e.mu.Unlock()
			tc.mutate(e, s)

			e.EvaluateExit("600001", tc.price, tc.held)

			assert.Equal(t, StatusExited, s.Status)
			assert.Equal(t, tc.reason, s.ExitReason)
		})
	}
}

func TestEvaluateExitIdempotentOnTerminal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sess := activeSession(t, e, defaultConfig())

	require.True(t, e.ForceExit("600001", "test"))

	// Already terminal: further evaluation and force exits are no-ops
	e.EvaluateExit("600001", 1.0, 0)
	assert.False(t, e.ForceExit("600001", "again"))
	_ = sess
}

func TestForceExitFreesInstrumentForNewSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	activeSession(t, e, defaultConfig())

	require.True(t, e.ForceExit("600001", "risk_override"))

	_, err := e.CreateSession("600001", defaultConfig())
	assert.NoError(t, err)
}

func TestCancelOnlyPendingSessions(t *testing.T) {
	e, _, _ := newTestEngine(t)

	sess, err := e.CreateSession("600001", defaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Cancel(sess.ID, "creation aborted"))

	sess2, err := e.CreateSession("600001", defaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.RecordFill(sess2.ID, "BUY", 10.0, 100, 10.0))
	assert.Error(t, e.Cancel(sess2.ID, "too late"))
}

func TestProfitRatio(t *testing.T) {
	s := &Session{BuyAmount: 10000, SellAmount: 4000}
	// 4000 realized + 7000 holding value against 10000 invested
	assert.InDelta(t, 0.10, s.ProfitRatio(7000), 1e-9)

	empty := &Session{}
	assert.Equal(t, 0.0, empty.ProfitRatio(1000))
}
