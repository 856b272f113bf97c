// Package grid implements the per-instrument grid session engine: a state
// machine that tracks price excursions around a moving center, rebuilds its
// decision levels after every fill, and evaluates independent exit
// conditions every tick.
package grid

import (
	"time"

	"gridpilot/store"
)

// Session status values
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusExited      Status = "exited"
	StatusForceExited Status = "force_exited"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusExited || s == StatusForceExited || s == StatusCancelled
}

// Config configuration snapshot taken at session creation
type Config struct {
	Interval      float64       `json:"interval"`       // level spacing as a ratio, e.g. 0.05
	TradeRatio    float64       `json:"trade_ratio"`    // per-level sell ratio of current holdings
	BuyAmount     float64       `json:"buy_amount"`     // per-level buy budget
	CallbackRatio float64       `json:"callback_ratio"` // retracement required before firing
	MaxInvestment float64       `json:"max_investment"` // cap on net additional investment
	MaxDeviation  float64       `json:"max_deviation"`  // |center drift| exit threshold
	TargetProfit  float64       `json:"target_profit"`
	StopLoss      float64       `json:"stop_loss"` // negative ratio
	Duration      time.Duration `json:"duration"`  // session lifetime
}

// Session one grid automation instance for one instrument
type Session struct {
	ID   string `json:"id"`
	Code string `json:"code"`

	// LockedCenter is the immutable deviation reference fixed at creation;
	// CurrentCenter moves to the fill price after every trade.
	LockedCenter  float64 `json:"locked_center"`
	CurrentCenter float64 `json:"current_center"`

	Config Config `json:"config"`

	TradeCount int     `json:"trade_count"`
	BuyCount   int     `json:"buy_count"`
	SellCount  int     `json:"sell_count"`
	BuyAmount  float64 `json:"buy_amount"`
	SellAmount float64 `json:"sell_amount"`

	Status     Status     `json:"status"`
	ExitReason string     `json:"exit_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	EndTime    time.Time  `json:"end_time"`
}

// Levels returns the three decision boundaries around the current center
func (s *Session) Levels() (lower, center, upper float64) {
	i := s.Config.Interval
	return s.CurrentCenter * (1 - i), s.CurrentCenter, s.CurrentCenter * (1 + i)
}

// ProfitRatio computes the session's running profit against cumulative
// bought amount, valuing remaining holdings at the given price
func (s *Session) ProfitRatio(holdingValue float64) float64 {
	if s.BuyAmount <= 0 {
		return 0
	}
	return (s.SellAmount + holdingValue - s.BuyAmount) / s.BuyAmount
}

// toModel converts to the persistence model
func (s *Session) toModel() *store.GridSessionModel {
	return &store.GridSessionModel{
		ID:             s.ID,
		Code:           s.Code,
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LockedCenter:   s.LockedCenter,
		CurrentCenter:  s.CurrentCenter,
		Interval:       s.Config.Interval,
		TradeRatio:     s.Config.TradeRatio,
		LevelBuyAmount: s.Config.BuyAmount,
		CallbackRatio:  s.Config.CallbackRatio,
		MaxInvestment:  s.Config.MaxInvestment,
		MaxDeviation:   s.Config.MaxDeviation,
		TargetProfit:   s.Config.TargetProfit,
		StopLoss:       s.Config.StopLoss,
		TradeCount:     s.TradeCount,
		BuyCount:       s.BuyCount,
		SellCount:      s.SellCount,
		BuyAmount:      s.BuyAmount,
		SellAmount:     s.SellAmount,
		ExitReason:     s.ExitReason,
		ExitedAt:       s.ExitedAt,
		EndTime:        s.EndTime,
	}
}

// sessionFromModel rebuilds a session from its persistence model
func sessionFromModel(m *store.GridSessionModel) *Session {
	return &Session{
		ID:            m.ID,
		Code:          m.Code,
		Status:        Status(m.Status),
		LockedCenter:  m.LockedCenter,
		CurrentCenter: m.CurrentCenter,
		Config: Config{
			Interval:      m.Interval,
			TradeRatio:    m.TradeRatio,
			BuyAmount:     m.LevelBuyAmount,
			CallbackRatio: m.CallbackRatio,
			MaxInvestment: m.MaxInvestment,
			MaxDeviation:  m.MaxDeviation,
			TargetProfit:  m.TargetProfit,
			StopLoss:      m.StopLoss,
		},
		TradeCount: m.TradeCount,
		BuyCount:   m.BuyCount,
		SellCount:  m.SellCount,
		BuyAmount:  m.BuyAmount,
		SellAmount: m.SellAmount,
		ExitReason: m.ExitReason,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		ExitedAt:   m.ExitedAt,
		EndTime:    m.EndTime,
	}
}
