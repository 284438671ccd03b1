package database

import (
	"context"

	"github.com/TobiSchelling/newsposter/internal/news"
)

// SaveRunReport stores a run report and returns its ID.
func (db *DB) SaveRunReport(ctx context.Context, r news.RunReport) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO run_reports (started_at, finished_at, dry_run, forced, fetched, accepted,
			duplicates, posted, delivered_blocks, undelivered_blocks, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(r.StartedAt), formatTime(r.FinishedAt), boolToInt(r.DryRun), boolToInt(r.Forced),
		r.Fetched, r.Accepted, r.Duplicates, r.Posted, r.DeliveredBlocks, r.UndeliveredBlocks, r.Outcome,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RecentRuns returns the latest run reports, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]news.RunReport, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, started_at, finished_at, dry_run, forced, fetched, accepted,
			duplicates, posted, delivered_blocks, undelivered_blocks, outcome
		FROM run_reports ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []news.RunReport
	for rows.Next() {
		var (
			r                 news.RunReport
			started, finished string
			dryRun, forced    int
		)
		if err := rows.Scan(&r.ID, &started, &finished, &dryRun, &forced, &r.Fetched, &r.Accepted,
			&r.Duplicates, &r.Posted, &r.DeliveredBlocks, &r.UndeliveredBlocks, &r.Outcome); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.DryRun = dryRun != 0
		r.Forced = forced != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
