package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ==================== Grid Store Models ====================
// These models mirror the grid package types but are defined here
// to avoid import cycles between store and grid packages.

// GridSessionModel GORM model for grid_sessions table
type GridSessionModel struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Code      string    `json:"code" gorm:"index;not null"`
	Status    string    `json:"status" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Locked center never changes after creation; current center follows fills.
	LockedCenter  float64 `json:"locked_center" gorm:"not null"`
	CurrentCenter float64 `json:"current_center" gorm:"not null"`

	// Configuration snapshot
	Interval       float64 `json:"interval" gorm:"not null"`
	TradeRatio     float64 `json:"trade_ratio" gorm:"default:0.25"`
	LevelBuyAmount float64 `json:"level_buy_amount" gorm:"default:0"`
	CallbackRatio  float64 `json:"callback_ratio" gorm:"default:0.005"`
	MaxInvestment  float64 `json:"max_investment" gorm:"default:0"`
	MaxDeviation   float64 `json:"max_deviation" gorm:"default:0.15"`
	TargetProfit   float64 `json:"target_profit" gorm:"default:0.1"`
	StopLoss       float64 `json:"stop_loss" gorm:"default:-0.08"`

	// Cumulative counters
	TradeCount int     `json:"trade_count" gorm:"default:0"`
	BuyCount   int     `json:"buy_count" gorm:"default:0"`
	SellCount  int     `json:"sell_count" gorm:"default:0"`
	BuyAmount  float64 `json:"buy_amount" gorm:"default:0"`
	SellAmount float64 `json:"sell_amount" gorm:"default:0"`

	ExitReason string     `json:"exit_reason"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	EndTime    time.Time  `json:"end_time"`
}

func (GridSessionModel) TableName() string {
	return "grid_sessions"
}

// GridTradeModel GORM model for grid_trades table
type GridTradeModel struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	SessionID     string    `json:"session_id" gorm:"index;not null"`
	Side          string    `json:"side" gorm:"not null"`
	LevelPrice    float64   `json:"level_price"`
	FillPrice     float64   `json:"fill_price" gorm:"not null"`
	Volume        float64   `json:"volume" gorm:"not null"`
	ExtremumPrice float64   `json:"extremum_price"` // peak (sell) or valley (buy) before the callback
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (GridTradeModel) TableName() string {
	return "grid_trades"
}

// ==================== Grid Store ====================

// GridStore provides database operations for grid sessions
type GridStore struct {
	db *gorm.DB
}

// NewGridStore creates a new grid store
func NewGridStore(db *gorm.DB) *GridStore {
	return &GridStore{db: db}
}

// InitTables initializes grid-related tables
func (s *GridStore) InitTables() error {
	if err := s.db.AutoMigrate(
		&GridSessionModel{},
		&GridTradeModel{},
	); err != nil {
		return fmt.Errorf("failed to migrate grid tables: %w", err)
	}
	return nil
}

// SaveSession saves or updates a grid session
func (s *GridStore) SaveSession(session *GridSessionModel) error {
	session.UpdatedAt = time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	return s.db.Save(session).Error
}

// LoadSession loads a grid session by ID
func (s *GridStore) LoadSession(id string) (*GridSessionModel, error) {
	var session GridSessionModel
	err := s.db.Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// LoadActiveSession loads the Active (or Pending) session for an instrument.
// At most one non-terminal session may exist per instrument.
func (s *GridStore) LoadActiveSession(code string) (*GridSessionModel, error) {
	var session GridSessionModel
	err := s.db.Where("code = ? AND status IN ?", code, []string{"pending", "active"}).
		Order("created_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// ListSessions lists sessions, newest first ("" for all instruments)
func (s *GridStore) ListSessions(code string, limit int) ([]GridSessionModel, error) {
	var sessions []GridSessionModel
	query := s.db.Order("created_at DESC")
	if code != "" {
		query = query.Where("code = ?", code)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListNonTerminal loads every pending/active session (for restart recovery)
func (s *GridStore) ListNonTerminal() ([]GridSessionModel, error) {
	var sessions []GridSessionModel
	err := s.db.Where("status IN ?", []string{"pending", "active"}).Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// SaveTrade records one grid fill
func (s *GridStore) SaveTrade(trade *GridTradeModel) error {
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}
	return s.db.Create(trade).Error
}

// LoadTrades loads all fills for a session, oldest first
func (s *GridStore) LoadTrades(sessionID string) ([]GridTradeModel, error) {
	var trades []GridTradeModel
	err := s.db.Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}
