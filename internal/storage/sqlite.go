package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-rotator/internal/types"
)

// historyLimit bounds how many status reports the sqlite sink keeps.
const historyLimit = 100

// SQLiteStorage keeps a bounded history of status reports, one row per
// report, with the headline counters in their own columns for ad-hoc queries.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pool_status (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		total       INTEGER NOT NULL,
		working     INTEGER NOT NULL,
		blacklisted INTEGER NOT NULL,
		data        TEXT NOT NULL,
		reported_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(snapshot *types.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO pool_status (total, working, blacklisted, data, reported_at) VALUES (?, ?, ?, ?, ?)",
		snapshot.Stats.Total, snapshot.Stats.Working, snapshot.Stats.Blacklisted, string(data), snapshot.Updated,
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	if _, err := tx.Exec(
		"DELETE FROM pool_status WHERE id NOT IN (SELECT id FROM pool_status ORDER BY id DESC LIMIT ?)",
		historyLimit,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load returns the most recent report.
func (s *SQLiteStorage) Load() (*types.Snapshot, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM pool_status ORDER BY id DESC LIMIT 1").Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query report: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return &snap, nil
}

// Count returns the number of stored reports.
func (s *SQLiteStorage) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pool_status").Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
