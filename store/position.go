package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PositionRecord durable subset of a position, keyed by instrument code.
// Volatile fields (volume, cost, price) are owned by the in-memory cache and
// re-synced from the gateway after restart; only strategy state is persisted.
type PositionRecord struct {
	Code              string    `json:"code"`
	Name              string    `json:"name"`
	OpenDate          time.Time `json:"open_date"`
	ProfitTriggered   bool      `json:"profit_triggered"`
	HighestPrice      float64   `json:"highest_price"`
	StopLossPrice     float64   `json:"stop_loss_price"`
	BreakoutTriggered bool      `json:"breakout_triggered"`
	BreakoutHighest   float64   `json:"breakout_highest"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PositionStore position durable storage
type PositionStore struct {
	db *sql.DB
}

// NewPositionStore creates position storage instance
func NewPositionStore(db *sql.DB) *PositionStore {
	return &PositionStore{db: db}
}

// InitTables initializes position tables
func (s *PositionStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			open_date DATETIME,
			profit_triggered INTEGER NOT NULL DEFAULT 0,
			highest_price REAL NOT NULL DEFAULT 0,
			stop_loss_price REAL NOT NULL DEFAULT 0,
			breakout_triggered INTEGER NOT NULL DEFAULT 0,
			breakout_highest REAL NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create positions table: %w", err)
	}
	return nil
}

// Upsert writes the durable fields for one instrument
func (s *PositionStore) Upsert(rec *PositionRecord) error {
	now := time.Now()
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO positions (
			code, name, open_date, profit_triggered, highest_price,
			stop_loss_price, breakout_triggered, breakout_highest, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			open_date = excluded.open_date,
			profit_triggered = excluded.profit_triggered,
			highest_price = excluded.highest_price,
			stop_loss_price = excluded.stop_loss_price,
			breakout_triggered = excluded.breakout_triggered,
			breakout_highest = excluded.breakout_highest,
			updated_at = excluded.updated_at
	`,
		rec.Code, rec.Name, rec.OpenDate.Format(time.RFC3339), boolToInt(rec.ProfitTriggered),
		rec.HighestPrice, rec.StopLossPrice, boolToInt(rec.BreakoutTriggered),
		rec.BreakoutHighest, now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position record: %w", err)
	}
	return nil
}

// Get loads the durable record for one instrument, nil if absent
func (s *PositionStore) Get(code string) (*PositionRecord, error) {
	row := s.db.QueryRow(`
		SELECT code, name, open_date, profit_triggered, highest_price,
			stop_loss_price, breakout_triggered, breakout_highest, updated_at
		FROM positions WHERE code = ?
	`, code)

	rec, err := scanPositionRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// List loads all durable records
func (s *PositionStore) List() ([]*PositionRecord, error) {
	rows, err := s.db.Query(`
		SELECT code, name, open_date, profit_triggered, highest_price,
			stop_loss_price, breakout_triggered, breakout_highest, updated_at
		FROM positions ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var records []*PositionRecord
	for rows.Next() {
		rec, err := scanPositionRecord(rows)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPositionRecord(row rowScanner) (*PositionRecord, error) {
	var rec PositionRecord
	var openDate, updatedAt sql.NullString
	var profitTriggered, breakoutTriggered int

	err := row.Scan(
		&rec.Code, &rec.Name, &openDate, &profitTriggered, &rec.HighestPrice,
		&rec.StopLossPrice, &breakoutTriggered, &rec.BreakoutHighest, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ProfitTriggered = profitTriggered != 0
	rec.BreakoutTriggered = breakoutTriggered != 0
	if openDate.Valid {
		rec.OpenDate, _ = time.Parse(time.RFC3339, openDate.String)
	}
	if updatedAt.Valid {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
