package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// SQLiteKV stores slots in the kv_entries table.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV wraps a database prepared by InitDB.
func NewSQLiteKV(db *sql.DB) *SQLiteKV {
	return &SQLiteKV{db: db}
}

func (s *SQLiteKV) GetString(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv_entries WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) Remove(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) GetInt(key string) (int, bool, error) {
	return getInt(s, key)
}

func (s *SQLiteKV) SetInt(key string, value int) error {
	return s.Set(key, strconv.Itoa(value))
}

func (s *SQLiteKV) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
