package executor

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gridpilot/gateway"
	"gridpilot/grid"
	"gridpilot/logger"
	"gridpilot/position"
	"gridpilot/signal"
	"gridpilot/supervisor"
)

// Arbitration priority per kind, lower wins. Risk signals always outrank
// grid signals for the same instrument.
var kindPriority = map[signal.Kind]int{
	signal.KindStopLoss:       0,
	signal.KindTakeProfitDyn:  1,
	signal.KindTakeProfitInit: 2,
	signal.KindGridExit:       3,
	signal.KindGridSell:       4,
	signal.KindGridBuy:        5,
}

// Executor drains the signal queue on a fixed cadence, arbitrates
// conflicting signals per instrument, validates survivors against the
// current position view, and hands them to the execution boundary.
type Executor struct {
	queue    *signal.Queue
	cache    *position.Cache
	engine   *grid.Engine
	boundary Boundary

	interval time.Duration
	minLot   float64
	enabled  atomic.Bool

	slot   *supervisor.Slot
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the executor. Trading starts disabled; the operator (or the
// startup config) flips the switch explicitly.
func New(queue *signal.Queue, cache *position.Cache, engine *grid.Engine, boundary Boundary, interval time.Duration, minLot float64) *Executor {
	if interval <= 0 {
		interval = time.Second
	}
	if minLot <= 0 {
		minLot = 100
	}
	return &Executor{
		queue:    queue,
		cache:    cache,
		engine:   engine,
		boundary: boundary,
		interval: interval,
		minLot:   minLot,
		slot:     supervisor.NewSlot(),
		stopCh:   make(chan struct{}),
	}
}

// Slot returns the liveness handle for supervision
func (e *Executor) Slot() *supervisor.Slot { return e.slot }

// SetEnabled flips the trading switch. Disabled means drained signals are
// discarded, not queued up for later. Session stop commands still run.
func (e *Executor) SetEnabled(enabled bool) {
	was := e.enabled.Swap(enabled)
	if was != enabled {
		if enabled {
			logger.Info("🟢 Trading enabled")
		} else {
			logger.Warn("🔴 Trading disabled, pending signals will be discarded")
		}
	}
}

// Enabled reports the trading switch state
func (e *Executor) Enabled() bool { return e.enabled.Load() }

// Start launches the execution loop
func (e *Executor) Start() {
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.run()
	logger.Infof("⚙️  Executor started (interval %v)", e.interval)
}

// Stop halts the execution loop
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	logger.Info("⚙️  Executor stopped")
}

func (e *Executor) run() {
	defer e.wg.Done()
	defer e.slot.MarkStopped()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.slot.Beat()
			e.runOnce()
		}
	}
}

// runOnce drains and processes the queue one time
func (e *Executor) runOnce() {
	signals := e.queue.Drain()
	if len(signals) == 0 {
		return
	}

	if !e.enabled.Load() {
		// Session stop commands place no order, so the trading switch
		// does not gate them. Everything else is discarded.
		kept := signals[:0]
		for _, sig := range signals {
			if sig.Kind == signal.KindGridExit {
				kept = append(kept, sig)
			}
		}
		if dropped := len(signals) - len(kept); dropped > 0 {
			logger.Debugf("🗑  Trading disabled, discarding %d signals", dropped)
		}
		signals = kept
		if len(signals) == 0 {
			return
		}
	}

	for _, sig := range e.arbitrate(signals) {
		e.process(sig)
	}
}

// arbitrate keeps at most one signal per instrument. The winner is the
// highest-priority kind; a risk winner on an instrument with an active grid
// session forces that session out before executing.
func (e *Executor) arbitrate(signals []*signal.Signal) []*signal.Signal {
	byCode := make(map[string][]*signal.Signal)
	for _, sig := range signals {
		byCode[sig.Code] = append(byCode[sig.Code], sig)
	}

	out := make([]*signal.Signal, 0, len(byCode))
	for code, group := range byCode {
		sort.SliceStable(group, func(i, j int) bool {
			return kindPriority[group[i].Kind] < kindPriority[group[j].Kind]
		})
		winner := group[0]
		for _, loser := range group[1:] {
			logger.Debugf("⚖️  Arbitration: %s/%s discarded in favor of %s", code, loser.Kind, winner.Kind)
		}
		if !winner.Kind.IsGrid() {
			if e.engine.ForceExit(code, "overridden_by_"+string(winner.Kind)) {
				logger.Warnf("⚖️  Risk signal %s overrides active grid session for %s", winner.Kind, code)
			}
		}
		out = append(out, winner)
	}
	return out
}

// process validates and executes one signal
func (e *Executor) process(sig *signal.Signal) {
	// A grid exit is a command, not an order: the position checks do not
	// apply, staleness and cooldown still do.
	if sig.Kind == signal.KindGridExit {
		if err := e.queue.ValidateCommand(sig); err != nil {
			e.logRejection(sig, err)
			return
		}
		if e.engine.ForceExit(sig.Code, sig.Reason) {
			logger.Infof("🛑 Grid session for %s force-exited (%s)", sig.Code, sig.Reason)
		}
		e.queue.MarkProcessed(sig.Code, sig.Kind)
		return
	}

	pos, _, exists := e.cache.Get(sig.Code)
	if err := e.queue.Validate(sig, pos, exists); err != nil {
		e.logRejection(sig, err)
		return
	}

	order, ok := e.buildOrder(sig, pos)
	if !ok {
		return
	}

	orderID, err := e.boundary.Execute(order)
	if err != nil {
		logger.Warnf("⚠️  Execution failed: %s %s %.0f @ %.4f: %v",
			order.Side, order.Code, order.Volume, order.Price, err)
		return
	}
	logger.Infof("✅ Executed %s %s %.0f @ %.4f [%s] order=%s",
		order.Side, order.Code, order.Volume, order.Price, sig.Kind, orderID)

	e.queue.MarkProcessed(sig.Code, sig.Kind)
	e.afterFill(sig, order)
}

// buildOrder resolves side, volume and price for a validated signal
func (e *Executor) buildOrder(sig *signal.Signal, pos position.Position) (Order, bool) {
	price := sig.Price
	if pos.CurrentPrice > 0 {
		price = pos.CurrentPrice
	}
	if price <= 0 {
		logger.Warnf("⚠️  No usable price for %s/%s, skipping", sig.Code, sig.Kind)
		return Order{}, false
	}

	side := gateway.SideSell
	volume := sig.RequiredVolume(pos.Volume)
	if sig.Kind == signal.KindGridBuy {
		side = gateway.SideBuy
		volume = sig.Volume
	} else {
		volume = math.Min(volume, pos.Available)
		volume = math.Floor(volume/e.minLot) * e.minLot
	}
	if volume <= 0 {
		logger.Debugf("🚫 Signal %s/%s resolved to zero volume, skipping", sig.Code, sig.Kind)
		return Order{}, false
	}

	return Order{
		Code:     sig.Code,
		Name:     pos.Name,
		Side:     side,
		Volume:   volume,
		Price:    price,
		Strategy: string(sig.Kind),
	}, true
}

// afterFill applies per-kind post-execution effects
func (e *Executor) afterFill(sig *signal.Signal, order Order) {
	switch sig.Kind {
	case signal.KindTakeProfitInit:
		e.cache.MutateDurable(sig.Code, func(p *position.Position) {
			p.ProfitTriggered = true
		})
	case signal.KindGridBuy, signal.KindGridSell:
		if sig.SessionID == "" {
			return
		}
		if err := e.engine.RecordFill(sig.SessionID, order.Side, order.Price, order.Volume, sig.Level); err != nil {
			logger.Warnf("⚠️  Failed to record grid fill: %v", err)
		}
	}
}

func (e *Executor) logRejection(sig *signal.Signal, err error) {
	switch {
	case errors.Is(err, signal.ErrPositionGone),
		errors.Is(err, signal.ErrStale),
		errors.Is(err, signal.ErrCooldown),
		errors.Is(err, signal.ErrInsufficient):
		logger.Debugf("🚫 Signal rejected: %s/%s: %v", sig.Code, sig.Kind, err)
	default:
		logger.Warnf("⚠️  Signal rejected: %s/%s: %v", sig.Code, sig.Kind, err)
	}
}
