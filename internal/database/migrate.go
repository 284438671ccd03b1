package database

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion reads the store's schema version from PRAGMA user_version.
func schemaVersion(conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading store schema version: %w", err)
	}
	return v, nil
}

// pendingMigrations returns the steps newer than version, in order.
func pendingMigrations(version int) []Migration {
	for i, m := range migrations {
		if m.Version > version {
			return migrations[i:]
		}
	}
	return nil
}

// migrate upgrades the delivery store to the schema this build expects.
// A store written by a newer build is refused rather than downgraded.
func migrate(conn *sql.DB) error {
	from, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	to := latestVersion()
	if from > to {
		return fmt.Errorf("store schema v%d is newer than this newsposter build (v%d)", from, to)
	}

	steps := pendingMigrations(from)
	if len(steps) == 0 {
		return nil
	}
	slog.Info("upgrading delivery store", "from", from, "to", to)
	for _, m := range steps {
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one step in a transaction and stamps its version
// after the commit, outside the transaction as modernc/sqlite requires.
// The DDL is idempotent, so a crash between the two only repeats the step.
func applyMigration(conn *sql.DB, m Migration) error {
	slog.Debug("applying store migration", "version", m.Version, "step", m.Description)

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("store migration v%d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("store migration v%d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store migration v%d: commit: %w", m.Version, err)
	}
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("store migration v%d: stamping version: %w", m.Version, err)
	}
	return nil
}
