package grid

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gridpilot/logger"
	"gridpilot/position"
	"gridpilot/signal"
	"gridpilot/store"

	"github.com/google/uuid"
)

// Exit reasons, in their fixed evaluation order
const (
	ExitReasonDeviation = "deviation"
	ExitReasonProfit    = "profit"
	ExitReasonLoss      = "loss"
	ExitReasonTimeout   = "timeout"
	ExitReasonCleared   = "position_cleared"
)

const defaultSessionLifetime = 30 * 24 * time.Hour

// Engine drives every grid session. It is a signal source (emits into the
// shared queue) and a position store reader; it never places orders itself.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*Session // code -> non-terminal session
	trackers map[string]*Tracker // session id -> tracker

	queue     *signal.Queue
	cache     *position.Cache
	gridStore *store.GridStore

	levelCooldown time.Duration
	minLot        float64

	now func() time.Time
}

// NewEngine creates the grid engine
func NewEngine(queue *signal.Queue, cache *position.Cache, gridStore *store.GridStore, levelCooldown time.Duration, minLot float64) *Engine {
	if levelCooldown <= 0 {
		levelCooldown = 60 * time.Second
	}
	if minLot <= 0 {
		minLot = 100
	}
	return &Engine{
		sessions:      make(map[string]*Session),
		trackers:      make(map[string]*Tracker),
		queue:         queue,
		cache:         cache,
		gridStore:     gridStore,
		levelCooldown: levelCooldown,
		minLot:        minLot,
		now:           time.Now,
	}
}

// Restore reloads non-terminal sessions after a restart. Trackers start
// empty: excursion state is in-memory only.
func (e *Engine) Restore() error {
	if e.gridStore == nil {
		return nil
	}
	models, err := e.gridStore.ListNonTerminal()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range models {
		s := sessionFromModel(&models[i])
		e.sessions[s.Code] = s
		e.trackers[s.ID] = NewTracker()
	}
	if len(models) > 0 {
		logger.Infof("📥 Restored %d grid sessions", len(models))
	}
	return nil
}

// CreateSession opens a Pending session for an instrument on operator
// confirmation. The locked center is fixed from the instrument's post-entry
// high and never changes afterwards.
func (e *Engine) CreateSession(code string, cfg Config) (Session, error) {
	if cfg.Interval <= 0 || cfg.Interval >= 1 {
		return Session{}, fmt.Errorf("invalid grid interval: %.4f", cfg.Interval)
	}
	if cfg.CallbackRatio <= 0 {
		return Session{}, fmt.Errorf("invalid callback ratio: %.4f", cfg.CallbackRatio)
	}

	pos, _, ok := e.cache.Get(code)
	if !ok || !pos.Held() {
		return Session{}, fmt.Errorf("no held position for %s", code)
	}

	center := pos.HighestPrice
	if center <= 0 {
		center = pos.CurrentPrice
	}
	if center <= 0 {
		center = pos.CostPrice
	}
	if center <= 0 {
		return Session{}, fmt.Errorf("no usable reference price for %s", code)
	}

	lifetime := cfg.Duration
	if lifetime <= 0 {
		lifetime = defaultSessionLifetime
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.sessions[code]; ok {
		return Session{}, fmt.Errorf("instrument %s already has a %s grid session (%s)", code, existing.Status, existing.ID)
	}

	now := e.now()
	s := &Session{
		ID:            uuid.New().String(),
		Code:          code,
		LockedCenter:  center,
		CurrentCenter: center,
		Config:        cfg,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		EndTime:       now.Add(lifetime),
	}

	if e.gridStore != nil {
		if err := e.gridStore.SaveSession(s.toModel()); err != nil {
			return Session{}, fmt.Errorf("failed to persist grid session: %w", err)
		}
	}

	e.sessions[code] = s
	e.trackers[s.ID] = NewTracker()
	logger.Infof("🧱 Grid session created: %s %s center=%.4f interval=%.2f%%", s.ID[:8], code, center, cfg.Interval*100)
	return *s, nil
}

// Cancel transitions a Pending session to Cancelled (creation failed or
// operator cancel). Active sessions must go through a forced exit instead.
func (e *Engine) Cancel(sessionID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.byIDLocked(sessionID)
	if s == nil {
		return fmt.Errorf("grid session not found: %s", sessionID)
	}
	if s.Status != StatusPending {
		return fmt.Errorf("grid session %s is %s, only pending sessions can be cancelled", sessionID, s.Status)
	}
	e.exitLocked(s, StatusCancelled, reason)
	return nil
}

// OnPrice runs the price-tracking algorithm for one tick. Crossing a level
// arms the tracker; the retracement (callback) after the extremum fires the
// trade signal so the grid avoids trading at local extremes.
func (e *Engine) OnPrice(code string, price float64) {
	if price <= 0 {
		return
	}
	pos, _, held := e.cache.Get(code)

	e.mu.Lock()
	s, ok := e.sessions[code]
	if !ok || s.Status != StatusActive {
		e.mu.Unlock()
		return
	}
	t := e.trackers[s.ID]
	lower, _, upper := s.Levels()
	now := e.now()

	var emit *signal.Signal
	if !t.Awaiting {
		switch {
		case price >= upper:
			t.Direction = DirectionRising
			t.Extremum = price
			t.Awaiting = true
			t.LastLevel = levelUpper
		case price <= lower:
			t.Direction = DirectionFalling
			t.Extremum = price
			t.Awaiting = true
			t.LastLevel = levelLower
		}
	} else {
		switch t.Direction {
		case DirectionRising:
			if price > t.Extremum {
				t.Extremum = price
			}
			callback := (t.Extremum - price) / t.Extremum
			if callback >= s.Config.CallbackRatio && !t.coolingDown(levelUpper, e.levelCooldown, now) {
				volume := 0.0
				if held {
					volume = floorLot(pos.Volume*s.Config.TradeRatio, e.minLot)
				}
				if volume > 0 {
					emit = &signal.Signal{
						Code:      code,
						Kind:      signal.KindGridSell,
						Volume:    volume,
						Price:     price,
						SessionID: s.ID,
						Level:     upper,
						Reason:    fmt.Sprintf("callback %.2f%% from peak %.4f", callback*100, t.Extremum),
						CreatedAt: now,
					}
					t.markFired(levelUpper, now)
				}
				t.Awaiting = false
				t.Direction = DirectionNone
			}
		case DirectionFalling:
			if price < t.Extremum {
				t.Extremum = price
			}
			rebound := (price - t.Extremum) / t.Extremum
			if rebound >= s.Config.CallbackRatio && !t.coolingDown(levelLower, e.levelCooldown, now) {
				volume := floorLot(s.Config.BuyAmount/price, e.minLot)
				if volume > 0 && e.exceedsInvestmentLocked(s, volume*price) {
					logger.Warnf("⚠️  Grid buy skipped for %s: max additional investment reached", code)
					volume = 0
				}
				if volume > 0 {
					emit = &signal.Signal{
						Code:      code,
						Kind:      signal.KindGridBuy,
						Volume:    volume,
						Price:     price,
						SessionID: s.ID,
						Level:     lower,
						Reason:    fmt.Sprintf("rebound %.2f%% from valley %.4f", rebound*100, t.Extremum),
						CreatedAt: now,
					}
					t.markFired(levelLower, now)
				}
				t.Awaiting = false
				t.Direction = DirectionNone
			}
		}
	}
	t.LastPrice = price
	e.mu.Unlock()

	if emit != nil {
		logger.Infof("📶 Grid signal: %s %s %.0f @ %.4f (%s)", emit.Kind, code, emit.Volume, price, emit.Reason)
		e.queue.Enqueue(emit)
	}
}

// RecordFill records a filled trade against a session and rebuilds the
// grid: the current center moves to the fill price, the three levels follow
// it, and the tracker state and level cooldowns are cleared. The locked
// center is never touched. A first fill activates a Pending session.
func (e *Engine) RecordFill(sessionID, side string, price, volume, levelPrice float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.byIDLocked(sessionID)
	if s == nil {
		return fmt.Errorf("grid session not found: %s", sessionID)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("grid session %s is terminal (%s)", sessionID, s.Status)
	}

	t := e.trackers[s.ID]
	extremum := 0.0
	if t != nil {
		extremum = t.Extremum
	}

	amount := price * volume
	if side == "BUY" {
		s.BuyCount++
		s.BuyAmount += amount
	} else {
		s.SellCount++
		s.SellAmount += amount
	}
	s.TradeCount++

	if s.Status == StatusPending {
		s.Status = StatusActive
		logger.Infof("🟢 Grid session activated: %s %s", s.ID[:8], s.Code)
	}

	// Rebuild around the fill
	s.CurrentCenter = price
	s.UpdatedAt = e.now()
	if t != nil {
		t.Reset()
	}

	if e.gridStore != nil {
		if err := e.gridStore.SaveSession(s.toModel()); err != nil {
			logger.Warnf("⚠️  Failed to persist grid session %s: %v", s.ID[:8], err)
		}
		trade := &store.GridTradeModel{
			ID:            uuid.New().String(),
			SessionID:     s.ID,
			Side:          side,
			LevelPrice:    levelPrice,
			FillPrice:     price,
			Volume:        volume,
			ExtremumPrice: extremum,
		}
		if err := e.gridStore.SaveTrade(trade); err != nil {
			logger.Warnf("⚠️  Failed to persist grid trade for %s: %v", s.ID[:8], err)
		}
	}

	lower, center, upper := s.Levels()
	logger.Infof("🔄 Grid rebuilt for %s: levels {%.4f, %.4f, %.4f} after %s fill @ %.4f",
		s.Code, lower, center, upper, side, price)
	return nil
}

// EvaluateExit checks every exit condition for an instrument's session in
// the fixed order deviation → profit → loss → time → position-cleared. The
// first true condition wins and is recorded as the reason. Re-evaluating a
// terminal session is a no-op.
func (e *Engine) EvaluateExit(code string, price, heldVolume float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[code]
	if !ok || s.Status != StatusActive {
		return
	}

	now := e.now()
	deviation := math.Abs(s.CurrentCenter-s.LockedCenter) / s.LockedCenter
	profit := s.ProfitRatio(heldVolume * price)

	var reason string
	switch {
	case s.Config.MaxDeviation > 0 && deviation > s.Config.MaxDeviation:
		reason = ExitReasonDeviation
	case s.Config.TargetProfit > 0 && s.BuyAmount > 0 && profit >= s.Config.TargetProfit:
		reason = ExitReasonProfit
	case s.Config.StopLoss < 0 && s.BuyAmount > 0 && profit <= s.Config.StopLoss:
		reason = ExitReasonLoss
	case !s.EndTime.IsZero() && !now.Before(s.EndTime):
		reason = ExitReasonTimeout
	case heldVolume <= 0:
		reason = ExitReasonCleared
	default:
		return
	}

	e.exitLocked(s, StatusExited, reason)
}

// ForceExit terminates an instrument's session because a higher-priority
// stop/profit condition won arbitration (or an operator asked). Returns
// false when there is nothing to exit.
func (e *Engine) ForceExit(code, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[code]
	if !ok || s.Status.Terminal() {
		return false
	}
	e.exitLocked(s, StatusForceExited, reason)
	return true
}

// ActiveSession returns a copy of the instrument's non-terminal session
func (e *Engine) ActiveSession(code string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[code]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionByID returns a copy of a non-terminal session by id
func (e *Engine) SessionByID(sessionID string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.byIDLocked(sessionID)
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns copies of every non-terminal session
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, *s)
	}
	return out
}

// exitLocked finalizes a session. Caller holds e.mu.
func (e *Engine) exitLocked(s *Session, status Status, reason string) {
	now := e.now()
	s.Status = status
	s.ExitReason = reason
	s.ExitedAt = &now
	s.UpdatedAt = now

	if e.gridStore != nil {
		if err := e.gridStore.SaveSession(s.toModel()); err != nil {
			logger.Warnf("⚠️  Failed to persist grid session exit %s: %v", s.ID[:8], err)
		}
	}

	delete(e.trackers, s.ID)
	delete(e.sessions, s.Code)
	logger.Infof("🏁 Grid session %s for %s → %s (%s)", s.ID[:8], s.Code, status, reason)
}

// byIDLocked finds a non-terminal session by id. Caller holds e.mu.
func (e *Engine) byIDLocked(sessionID string) *Session {
	for _, s := range e.sessions {
		if s.ID == sessionID {
			return s
		}
	}
	return nil
}

// exceedsInvestmentLocked reports whether adding amount would break the
// session's net additional investment cap. Caller holds e.mu.
func (e *Engine) exceedsInvestmentLocked(s *Session, amount float64) bool {
	if s.Config.MaxInvestment <= 0 {
		return false
	}
	return s.BuyAmount-s.SellAmount+amount > s.Config.MaxInvestment
}

// floorLot rounds volume down to the minimum tradable lot
func floorLot(volume, lot float64) float64 {
	if lot <= 0 {
		return math.Floor(volume)
	}
	return math.Floor(volume/lot) * lot
}
