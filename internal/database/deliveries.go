package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/TobiSchelling/newsposter/internal/dedup"
)

// LoadFingerprints returns every stored fingerprint.
func (db *DB) LoadFingerprints(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT fingerprint FROM deliveries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out[fp] = struct{}{}
	}
	return out, rows.Err()
}

// AppendRecords inserts records in one transaction. Existing fingerprints
// are left untouched.
func (db *DB) AppendRecords(ctx context.Context, records []dedup.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO deliveries (fingerprint, first_seen_at, title, link, category, source)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Fingerprint, formatTime(r.FirstSeenAt), r.Title, r.Link, r.Category, r.Source); err != nil {
			return fmt.Errorf("inserting %s: %w", r.Fingerprint, err)
		}
	}
	return tx.Commit()
}

// PruneBefore deletes records first seen before cutoff.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"DELETE FROM deliveries WHERE first_seen_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats returns the record count and first-seen range.
func (db *DB) Stats(ctx context.Context) (dedup.Stats, error) {
	var (
		s              dedup.Stats
		oldest, newest sql.NullString
	)
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(first_seen_at), MAX(first_seen_at) FROM deliveries",
	).Scan(&s.Records, &oldest, &newest)
	if err != nil {
		return s, err
	}
	if oldest.Valid {
		s.Oldest = parseTime(oldest.String)
	}
	if newest.Valid {
		s.Newest = parseTime(newest.String)
	}
	return s, nil
}

// RecentDeliveries returns the most recently recorded deliveries, newest
// first.
func (db *DB) RecentDeliveries(ctx context.Context, limit int) ([]dedup.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT fingerprint, first_seen_at, title, link, category, source
		FROM deliveries ORDER BY first_seen_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dedup.Record
	for rows.Next() {
		var (
			r    dedup.Record
			seen string
		)
		if err := rows.Scan(&r.Fingerprint, &seen, &r.Title, &r.Link, &r.Category, &r.Source); err != nil {
			return nil, err
		}
		r.FirstSeenAt = parseTime(seen)
		out = append(out, r)
	}
	return out, rows.Err()
}
