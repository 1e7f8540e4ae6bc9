package store

import "fmt"

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		size INTEGER NOT NULL,
		piece_id TEXT,
		satellite_id TEXT,
		remote_ip TEXT,
		country TEXT,
		latitude REAL,
		longitude REAL,
		error_reason TEXT,
		node_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hourly_stats (
		hour_timestamp TEXT NOT NULL,
		node_name TEXT NOT NULL,
		dl_success INTEGER NOT NULL DEFAULT 0,
		dl_fail INTEGER NOT NULL DEFAULT 0,
		ul_success INTEGER NOT NULL DEFAULT 0,
		ul_fail INTEGER NOT NULL DEFAULT 0,
		audit_success INTEGER NOT NULL DEFAULT 0,
		audit_fail INTEGER NOT NULL DEFAULT 0,
		total_download_size INTEGER NOT NULL DEFAULT 0,
		total_upload_size INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (hour_timestamp, node_name)
	)`,
	`CREATE TABLE IF NOT EXISTS storage_snapshots (
		ts TEXT NOT NULL,
		node_name TEXT NOT NULL,
		available_bytes INTEGER NOT NULL,
		total_bytes INTEGER,
		used_bytes INTEGER,
		trash_bytes INTEGER,
		source TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hashstore_log (
		ts_iso TEXT NOT NULL,
		node_name TEXT NOT NULL,
		satellite TEXT NOT NULL,
		store TEXT NOT NULL,
		duration_s REAL NOT NULL,
		data_reclaimed_bytes INTEGER NOT NULL,
		data_rewritten_bytes INTEGER NOT NULL,
		table_load REAL NOT NULL,
		trash_percent REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS app_persistent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_node ON events (node_name)`,
	`CREATE INDEX IF NOT EXISTS idx_events_node_timestamp ON events (node_name, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_hashstore_ts ON hashstore_log (ts_iso)`,
}

// migrate creates missing tables, columns, and indexes. Upgrades only add;
// existing rows are never dropped or rewritten.
func (s *Store) migrate() error {
	for _, stmt := range createStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
	}

	// Columns added after the initial schema shipped.
	if err := s.ensureColumn("events", "duration_ms", "INTEGER"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if the table predates it.
func (s *Store) ensureColumn(table, column, typ string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notnull    int
			dflt       any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	if err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	s.logger.Info().Str("table", table).Str("column", column).Msg("schema upgraded")
	return nil
}
