package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KVStore persists opaque values in the kv_store table. It backs the
// notification throttle's settings and history.
type KVStore struct {
	db  *sql.DB
	now func() time.Time
}

func (s *KVStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, classify(err))
	}
	return value, true, nil
}

func (s *KVStore) Save(ctx context.Context, key string, value []byte) error {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(now()))
	if err != nil {
		return fmt.Errorf("save %s: %w", key, classify(err))
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, classify(err))
	}
	return nil
}
