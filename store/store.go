// Package store provides the durable storage layer.
// All database operations should go through this package.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"gridpilot/logger"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Store unified data storage interface
type Store struct {
	db  *sql.DB
	gdb *gorm.DB

	// Sub-stores (lazy initialization)
	position *PositionStore
	trade    *TradeStore
	config   *ConfigStore
	grid     *GridStore

	mu sync.RWMutex
}

// New creates a new Store instance backed by SQLite
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Grid session tables live behind GORM, the rest uses database/sql.
	gdb, err := gorm.Open(gormsqlite.Dialector{DriverName: "sqlite", DSN: dbPath}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open gorm database: %w", err)
	}

	s := &Store{db: db, gdb: gdb}

	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("✅ Database initialized: %s", dbPath)
	return s, nil
}

// initTables initializes all database tables in dependency order
func (s *Store) initTables() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create system_config table: %w", err)
	}

	if err := s.Position().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize position tables: %w", err)
	}
	if err := s.Trade().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize trade tables: %w", err)
	}
	if err := s.Config().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize config tables: %w", err)
	}
	if err := s.Grid().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize grid tables: %w", err)
	}
	return nil
}

// Position gets position storage
func (s *Store) Position() *PositionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		s.position = NewPositionStore(s.db)
	}
	return s.position
}

// Trade gets trade record storage
func (s *Store) Trade() *TradeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trade == nil {
		s.trade = NewTradeStore(s.db)
	}
	return s.trade
}

// Config gets configuration storage
func (s *Store) Config() *ConfigStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		s.config = NewConfigStore(s.db)
	}
	return s.config
}

// Grid gets grid session storage
func (s *Store) Grid() *GridStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grid == nil {
		s.grid = NewGridStore(s.gdb)
	}
	return s.grid
}

// Close closes database connections
func (s *Store) Close() error {
	if s.gdb != nil {
		if sqlDB, err := s.gdb.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return s.db.Close()
}

// Transaction executes fn inside a transaction
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
