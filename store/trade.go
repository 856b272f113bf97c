package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TradeRecord one executed trade
type TradeRecord struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Side      string    `json:"side"` // BUY/SELL
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Amount    float64   `json:"amount"`
	OrderID   string    `json:"order_id"`
	Strategy  string    `json:"strategy"` // strategy tag: stop_loss/take_profit_init/take_profit_dyn/grid/manual
	CreatedAt time.Time `json:"created_at"`
}

// TradeStore trade record storage
type TradeStore struct {
	db *sql.DB
}

// NewTradeStore creates trade record storage instance
func NewTradeStore(db *sql.DB) *TradeStore {
	return &TradeStore{db: db}
}

// InitTables initializes trade tables
func (s *TradeStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trade_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			volume REAL NOT NULL,
			amount REAL NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create trade_records table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_trades_code ON trade_records(code, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trade_records(strategy)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Create inserts one trade record
func (s *TradeStore) Create(rec *TradeRecord) error {
	now := time.Now()
	rec.CreatedAt = now

	result, err := s.db.Exec(`
		INSERT INTO trade_records (code, side, price, volume, amount, order_id, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Code, rec.Side, rec.Price, rec.Volume, rec.Amount, rec.OrderID, rec.Strategy,
		now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create trade record: %w", err)
	}

	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

// Recent returns the most recent trades, optionally filtered by instrument
func (s *TradeStore) Recent(code string, limit int) ([]*TradeRecord, error) {
	query := `
		SELECT id, code, side, price, volume, amount, order_id, strategy, created_at
		FROM trade_records`
	args := []interface{}{}
	if code != "" {
		query += ` WHERE code = ?`
		args = append(args, code)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade records: %w", err)
	}
	defer rows.Close()

	var records []*TradeRecord
	for rows.Next() {
		var rec TradeRecord
		var createdAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.Side, &rec.Price, &rec.Volume,
			&rec.Amount, &rec.OrderID, &rec.Strategy, &createdAt); err != nil {
			continue
		}
		if createdAt.Valid {
			rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
		}
		records = append(records, &rec)
	}
	return records, nil
}
