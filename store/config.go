package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ConfigChange one recorded configuration change
type ConfigChange struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Source    string    `json:"source"` // api/file/startup
	CreatedAt time.Time `json:"created_at"`
}

// ConfigStore key/value configuration storage with change history
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates configuration storage instance
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// InitTables initializes config tables (system_config is created by the root store)
func (s *ConfigStore) InitTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS config_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create config_history table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_config_history_key ON config_history(key, created_at DESC)`); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Get gets a configuration value by key, empty string if absent
func (s *ConfigStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Set sets a configuration value and records the change in history
func (s *ConfigStore) Set(key, value, source string) error {
	old, err := s.Get(key)
	if err != nil {
		return fmt.Errorf("failed to read old config value: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}

	if old == value {
		return nil
	}
	_, err = s.db.Exec(`
		INSERT INTO config_history (key, old_value, new_value, source, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, key, old, value, source, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record config change: %w", err)
	}
	return nil
}

// History returns the most recent changes for a key ("" for all keys)
func (s *ConfigStore) History(key string, limit int) ([]*ConfigChange, error) {
	query := `SELECT id, key, old_value, new_value, source, created_at FROM config_history`
	args := []interface{}{}
	if key != "" {
		query += ` WHERE key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query config history: %w", err)
	}
	defer rows.Close()

	var changes []*ConfigChange
	for rows.Next() {
		var c ConfigChange
		var createdAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Key, &c.OldValue, &c.NewValue, &c.Source, &createdAt); err != nil {
			continue
		}
		if createdAt.Valid {
			c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
		}
		changes = append(changes, &c)
	}
	return changes, nil
}
