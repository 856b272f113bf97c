// Package monitor runs the detection loop: sync positions from the
// brokerage gateway, apply fresh quotes, and run every detector over the
// updated view. Detectors only enqueue signals; execution is someone
// else's job.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"gridpilot/gateway"
	"gridpilot/grid"
	"gridpilot/logger"
	"gridpilot/position"
	"gridpilot/signal"
	"gridpilot/supervisor"
)

// Params tunable detection thresholds
type Params struct {
	Interval         time.Duration
	OffHoursInterval time.Duration
	GatewayTimeout   time.Duration
	Account          string

	StopLossRatio       float64 // negative, e.g. -0.07
	InitTakeProfitRatio float64 // e.g. 0.05
	InitSellRatio       float64 // portion sold on the initial trigger
	DrawdownRatio       float64 // callback from the tracked high
	BreakoutRatio       float64 // gain over cost that arms breakout trailing
	BreakoutDrawdown    float64 // callback from the breakout high

	// TradingHours reports whether the market is open; nil means always
	// open. Detection runs regardless, only the sleep changes.
	TradingHours func(time.Time) bool
}

// subscriber is implemented by push feeds that want to know which
// instruments the monitor cares about
type subscriber interface {
	Subscribe(codes ...string)
}

// Monitor the detection loop
type Monitor struct {
	trader gateway.Trader
	feed   gateway.MarketFeed
	cache  *position.Cache
	queue  *signal.Queue
	engine *grid.Engine

	paramsMu sync.RWMutex
	params   Params

	syncFailures int

	slot   *supervisor.Slot
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the monitor
func New(trader gateway.Trader, feed gateway.MarketFeed, cache *position.Cache, queue *signal.Queue, engine *grid.Engine, params Params) *Monitor {
	if params.Interval <= 0 {
		params.Interval = 3 * time.Second
	}
	if params.OffHoursInterval <= 0 {
		params.OffHoursInterval = 30 * time.Second
	}
	if params.GatewayTimeout <= 0 {
		params.GatewayTimeout = 3 * time.Second
	}
	return &Monitor{
		trader: trader,
		feed:   feed,
		cache:  cache,
		queue:  queue,
		engine: engine,
		params: params,
		slot:   supervisor.NewSlot(),
		stopCh: make(chan struct{}),
	}
}

// Slot returns the liveness handle for supervision
func (m *Monitor) Slot() *supervisor.Slot { return m.slot }

// snapshot returns a consistent copy of the tunable parameters
func (m *Monitor) snapshot() Params {
	m.paramsMu.RLock()
	defer m.paramsMu.RUnlock()
	return m.params
}

// SetStopLossRatio updates the stop-loss threshold at runtime
func (m *Monitor) SetStopLossRatio(v float64) {
	m.paramsMu.Lock()
	m.params.StopLossRatio = v
	m.paramsMu.Unlock()
}

// SetInitTakeProfitRatio updates the initial take-profit trigger at runtime
func (m *Monitor) SetInitTakeProfitRatio(v float64) {
	m.paramsMu.Lock()
	m.params.InitTakeProfitRatio = v
	m.paramsMu.Unlock()
}

// SetDrawdownRatio updates the dynamic take-profit callback at runtime
func (m *Monitor) SetDrawdownRatio(v float64) {
	m.paramsMu.Lock()
	m.params.DrawdownRatio = v
	m.paramsMu.Unlock()
}

// Start launches the detection loop
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run()
	logger.Infof("🔍 Monitor started (interval %v)", m.snapshot().Interval)
}

// Stop halts the detection loop
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	logger.Info("🔍 Monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()
	defer m.slot.MarkStopped()

	for {
		m.slot.Beat()
		p := m.snapshot()
		m.tick(p)

		interval := p.Interval
		if p.TradingHours != nil && !p.TradingHours(time.Now()) {
			interval = p.OffHoursInterval
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// tick runs one full detection iteration. A gateway failure abandons the
// iteration without touching the cache; the next tick starts fresh.
func (m *Monitor) tick(p Params) {
	snapshots, err := m.queryPositions(p)
	if err != nil {
		m.syncFailures++
		logger.Warnf("⚠️  Gateway position query failed (%d in a row): %v", m.syncFailures, err)
		return
	}
	m.syncFailures = 0
	m.cache.Sync(snapshots)

	positions, _ := m.cache.List()
	if sub, ok := m.feed.(subscriber); ok {
		codes := make([]string, 0, len(positions))
		for _, pos := range positions {
			codes = append(codes, pos.Code)
		}
		sub.Subscribe(codes...)
	}
	for _, pos := range positions {
		price, err := m.feed.LatestPrice(pos.Code)
		if err != nil {
			logger.Debugf("🔇 No quote for %s, skipping detectors", pos.Code)
			continue
		}
		m.cache.UpdatePrice(pos.Code, price)

		// Reread for the recomputed derived fields
		current, _, ok := m.cache.Get(pos.Code)
		if !ok {
			continue
		}
		m.detect(current, price, p)
	}
}

// queryPositions wraps the gateway call in a hard timeout
func (m *Monitor) queryPositions(p Params) ([]gateway.PositionSnapshot, error) {
	type result struct {
		snapshots []gateway.PositionSnapshot
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		snapshots, err := m.trader.QueryPositions(p.Account)
		ch <- result{snapshots: snapshots, err: err}
	}()

	select {
	case res := <-ch:
		return res.snapshots, res.err
	case <-time.After(p.GatewayTimeout):
		return nil, fmt.Errorf("gateway query timed out after %v", p.GatewayTimeout)
	}
}

// detect runs every detector over one instrument at one price
func (m *Monitor) detect(pos position.Position, price float64, p Params) {
	if pos.Held() {
		m.trackHighs(pos, price, p)

		// Retracked highs feed the dynamic detectors on this same tick
		if updated, _, ok := m.cache.Get(pos.Code); ok {
			pos = updated
		}

		m.detectStopLoss(pos, price, p)
		m.detectInitialTakeProfit(pos, price, p)
		m.detectDynamicTakeProfit(pos, price, p)
		m.detectBreakoutCallback(pos, price, p)
	}

	m.engine.OnPrice(pos.Code, price)
	m.engine.EvaluateExit(pos.Code, price, pos.Volume)
}

// trackHighs maintains the durable high-water marks
func (m *Monitor) trackHighs(pos position.Position, price float64, p Params) {
	needsUpdate := price > pos.HighestPrice ||
		(pos.BreakoutTriggered && price > pos.BreakoutHighest) ||
		(!pos.BreakoutTriggered && p.BreakoutRatio > 0 && pos.CostPrice > 0 &&
			price >= pos.CostPrice*(1+p.BreakoutRatio))

	if !needsUpdate {
		return
	}
	m.cache.MutateDurable(pos.Code, func(ps *position.Position) {
		if price > ps.HighestPrice {
			ps.HighestPrice = price
		}
		if !ps.BreakoutTriggered && p.BreakoutRatio > 0 && ps.CostPrice > 0 &&
			price >= ps.CostPrice*(1+p.BreakoutRatio) {
			ps.BreakoutTriggered = true
			ps.BreakoutHighest = price
			logger.Infof("🚀 Breakout armed for %s at %.4f (cost %.4f)", ps.Code, price, ps.CostPrice)
		}
		if ps.BreakoutTriggered && price > ps.BreakoutHighest {
			ps.BreakoutHighest = price
		}
	})
}

func (m *Monitor) detectStopLoss(pos position.Position, price float64, p Params) {
	triggered := false
	reason := ""
	switch {
	case pos.StopLossPrice > 0 && price <= pos.StopLossPrice:
		triggered = true
		reason = fmt.Sprintf("price %.4f breached stop %.4f", price, pos.StopLossPrice)
	case p.StopLossRatio < 0 && pos.ProfitRatio <= p.StopLossRatio:
		triggered = true
		reason = fmt.Sprintf("loss %.2f%% breached limit %.2f%%", pos.ProfitRatio*100, p.StopLossRatio*100)
	}
	if !triggered {
		return
	}
	m.queue.Enqueue(&signal.Signal{
		Code:   pos.Code,
		Kind:   signal.KindStopLoss,
		Price:  price,
		Reason: reason,
	})
}

func (m *Monitor) detectInitialTakeProfit(pos position.Position, price float64, p Params) {
	if pos.ProfitTriggered || p.InitTakeProfitRatio <= 0 {
		return
	}
	if pos.ProfitRatio < p.InitTakeProfitRatio {
		return
	}
	m.queue.Enqueue(&signal.Signal{
		Code:   pos.Code,
		Kind:   signal.KindTakeProfitInit,
		Ratio:  p.InitSellRatio,
		Price:  price,
		Reason: fmt.Sprintf("profit %.2f%% reached trigger %.2f%%", pos.ProfitRatio*100, p.InitTakeProfitRatio*100),
	})
}

func (m *Monitor) detectDynamicTakeProfit(pos position.Position, price float64, p Params) {
	if !pos.ProfitTriggered || pos.HighestPrice <= 0 || p.DrawdownRatio <= 0 {
		return
	}
	drawdown := (pos.HighestPrice - price) / pos.HighestPrice
	if drawdown < p.DrawdownRatio {
		return
	}
	m.queue.Enqueue(&signal.Signal{
		Code:   pos.Code,
		Kind:   signal.KindTakeProfitDyn,
		Price:  price,
		Reason: fmt.Sprintf("drawdown %.2f%% from high %.4f", drawdown*100, pos.HighestPrice),
	})
}

func (m *Monitor) detectBreakoutCallback(pos position.Position, price float64, p Params) {
	if !pos.BreakoutTriggered || pos.BreakoutHighest <= 0 || p.BreakoutDrawdown <= 0 {
		return
	}
	drawdown := (pos.BreakoutHighest - price) / pos.BreakoutHighest
	if drawdown < p.BreakoutDrawdown {
		return
	}
	m.queue.Enqueue(&signal.Signal{
		Code:   pos.Code,
		Kind:   signal.KindTakeProfitDyn,
		Price:  price,
		Reason: fmt.Sprintf("breakout callback %.2f%% from %.4f", drawdown*100, pos.BreakoutHighest),
	})
}
