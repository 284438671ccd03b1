package database

import (
	"context"
	"time"

	"github.com/TobiSchelling/newsposter/internal/dedup"
)

const runLock = "run"

// Acquire takes the run lease for owner. The upsert only replaces a row held
// by the same owner or one that has expired.
func (db *DB) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	now := time.Now()
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.owner = excluded.owner OR locks.expires_at <= ?`,
		runLock, owner, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dedup.ErrLocked
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (db *DB) Release(ctx context.Context, owner string) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM locks WHERE name = ? AND owner = ?", runLock, owner)
	return err
}
