// Package signal implements the pending-signal queue that separates
// detection from execution. Detectors always enqueue; whether anything is
// executed is decided downstream.
package signal

import (
	"errors"
	"math"
	"time"
)

// Kind classifies a detected trading condition
type Kind string

const (
	KindStopLoss       Kind = "stop_loss"
	KindTakeProfitInit Kind = "take_profit_init"
	KindTakeProfitDyn  Kind = "take_profit_dyn"
	KindGridBuy        Kind = "grid_buy"
	KindGridSell       Kind = "grid_sell"
	KindGridExit       Kind = "grid_exit"
)

// IsGrid reports whether the kind is grid-sourced. Stop/profit conditions
// outrank grid conditions during arbitration.
func (k Kind) IsGrid() bool {
	return k == KindGridBuy || k == KindGridSell || k == KindGridExit
}

// Validation rejections, expected and logged at low severity
var (
	ErrPositionGone = errors.New("position no longer held")
	ErrStale        = errors.New("signal exceeded staleness window")
	ErrCooldown     = errors.New("signal kind inside reprocessing cooldown")
	ErrInsufficient = errors.New("available volume below required volume")
)

// Signal an ephemeral record of one detected condition. Consumed at most
// once, then discarded.
type Signal struct {
	Code      string    `json:"code"`
	Kind      Kind      `json:"kind"`
	Volume    float64   `json:"volume"` // explicit target volume
	Ratio     float64   `json:"ratio"`  // target ratio of current holdings (used when Volume == 0)
	Price     float64   `json:"price"`  // reference price at detection
	SessionID string    `json:"session_id,omitempty"`
	Level     float64   `json:"level,omitempty"` // grid level that fired
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// RequiredVolume resolves the sell-side volume this signal needs, given the
// current holdings. Buy signals consume cash, not holdings, so they require
// nothing here.
func (s *Signal) RequiredVolume(held float64) float64 {
	if s.Kind == KindGridBuy {
		return 0
	}
	if s.Volume > 0 {
		return s.Volume
	}
	if s.Ratio > 0 {
		return math.Floor(held * s.Ratio)
	}
	return held
}
