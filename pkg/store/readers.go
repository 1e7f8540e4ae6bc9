package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/nodepulse/nodepulse/pkg/types"
)

// HourlyStatsRange reads roll-up rows for the view's nodes over [from, to),
// ordered by hour. An aggregate view reads every node.
func (s *Store) HourlyStatsRange(view types.View, from, to time.Time) ([]types.HourlyStats, error) {
	query := `SELECT hour_timestamp, node_name, dl_success, dl_fail, ul_success, ul_fail,
		audit_success, audit_fail, total_download_size, total_upload_size
		FROM hourly_stats WHERE hour_timestamp >= ? AND hour_timestamp < ?`
	args := []any{formatTime(from), formatTime(to)}

	if !view.Aggregate {
		query += nodeFilter("node_name", view.Nodes, &args)
	}
	query += ` ORDER BY hour_timestamp`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("hourly stats query failed: %w", err)
	}
	defer rows.Close()

	var out []types.HourlyStats
	for rows.Next() {
		var h types.HourlyStats
		var hour string
		if err := rows.Scan(&hour, &h.NodeName,
			&h.DlSuccess, &h.DlFail, &h.UlSuccess, &h.UlFail,
			&h.AuditSuccess, &h.AuditFail,
			&h.TotalDownloadSize, &h.TotalUploadSize); err != nil {
			return nil, err
		}
		h.HourTimestamp = parseTime(hour)
		out = append(out, h)
	}
	return out, rows.Err()
}

// RollingAggregate sums event counts and byte totals over the trailing
// window for the view's nodes. Read-only; used for initial dashboard state.
func (s *Store) RollingAggregate(view types.View, window time.Duration) (types.HourlyStats, error) {
	query := `SELECT
		COALESCE(SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status <> 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN action LIKE 'PUT%' AND status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN action LIKE 'PUT%' AND status <> 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN action = 'GET_AUDIT' AND status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN action = 'GET_AUDIT' AND status <> 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status = 'success' THEN size ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN action LIKE 'PUT%' AND status = 'success' THEN size ELSE 0 END), 0)
		FROM events WHERE timestamp >= ?`
	args := []any{formatTime(time.Now().Add(-window))}

	if !view.Aggregate {
		query += nodeFilter("node_name", view.Nodes, &args)
	}

	var h types.HourlyStats
	err := s.db.QueryRow(query, args...).Scan(
		&h.DlSuccess, &h.DlFail, &h.UlSuccess, &h.UlFail,
		&h.AuditSuccess, &h.AuditFail,
		&h.TotalDownloadSize, &h.TotalUploadSize)
	if err != nil {
		return types.HourlyStats{}, fmt.Errorf("rolling aggregate query failed: %w", err)
	}
	return h, nil
}

// PerformancePoint is one interval of the historical performance series.
type PerformancePoint struct {
	BucketTS      int64 `json:"ts"`
	DlSuccess     int64 `json:"dl_success"`
	DlFail        int64 `json:"dl_fail"`
	UlSuccess     int64 `json:"ul_success"`
	UlFail        int64 `json:"ul_fail"`
	DownloadBytes int64 `json:"download_bytes"`
	UploadBytes   int64 `json:"upload_bytes"`
}

// HistoricalPerformance bins the view's events into points intervals of
// intervalSec seconds, ending now. Pure SQL over the events table.
func (s *Store) HistoricalPerformance(view types.View, points, intervalSec int) ([]PerformancePoint, error) {
	if points <= 0 || intervalSec <= 0 {
		return nil, fmt.Errorf("invalid window: points=%d interval=%d", points, intervalSec)
	}

	since := time.Now().Add(-time.Duration(points*intervalSec) * time.Second)
	query := `SELECT (CAST(strftime('%s', timestamp) AS INTEGER) / ?) * ? AS bucket,
		SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status <> 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action LIKE 'PUT%' AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action LIKE 'PUT%' AND status <> 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status = 'success' THEN size ELSE 0 END),
		SUM(CASE WHEN action LIKE 'PUT%' AND status = 'success' THEN size ELSE 0 END)
		FROM events WHERE timestamp >= ?`
	args := []any{intervalSec, intervalSec, formatTime(since)}

	if !view.Aggregate {
		query += nodeFilter("node_name", view.Nodes, &args)
	}
	query += ` GROUP BY bucket ORDER BY bucket`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("historical performance query failed: %w", err)
	}
	defer rows.Close()

	var out []PerformancePoint
	for rows.Next() {
		var p PerformancePoint
		if err := rows.Scan(&p.BucketTS, &p.DlSuccess, &p.DlFail,
			&p.UlSuccess, &p.UlFail, &p.DownloadBytes, &p.UploadBytes); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HashstoreRow is one persisted compaction record.
type HashstoreRow struct {
	TS            time.Time `json:"ts"`
	NodeName      string    `json:"node_name"`
	Satellite     string    `json:"satellite"`
	Store         string    `json:"store"`
	DurationS     float64   `json:"duration_s"`
	DataReclaimed int64     `json:"data_reclaimed_bytes"`
	DataRewritten int64     `json:"data_rewritten_bytes"`
	TableLoad     float64   `json:"table_load"`
	TrashPercent  float64   `json:"trash_percent"`
}

// HashstoreHistory returns the most recent limit compaction rows for the
// view's nodes, newest first.
func (s *Store) HashstoreHistory(view types.View, limit int) ([]HashstoreRow, error) {
	query := `SELECT ts_iso, node_name, satellite, store, duration_s,
		data_reclaimed_bytes, data_rewritten_bytes, table_load, trash_percent
		FROM hashstore_log WHERE 1=1`
	var args []any

	if !view.Aggregate {
		query += nodeFilter("node_name", view.Nodes, &args)
	}
	query += ` ORDER BY ts_iso DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("hashstore history query failed: %w", err)
	}
	defer rows.Close()

	var out []HashstoreRow
	for rows.Next() {
		var r HashstoreRow
		var ts string
		if err := rows.Scan(&ts, &r.NodeName, &r.Satellite, &r.Store, &r.DurationS,
			&r.DataReclaimed, &r.DataRewritten, &r.TableLoad, &r.TrashPercent); err != nil {
			return nil, err
		}
		r.TS = parseTime(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestStorageSnapshots returns each node's most recent capacity
// observation.
func (s *Store) LatestStorageSnapshots() (map[string]types.StorageSnapshot, error) {
	rows, err := s.db.Query(`SELECT ts, node_name, available_bytes, total_bytes, used_bytes, trash_bytes, source
		FROM storage_snapshots s1
		WHERE ts = (SELECT MAX(ts) FROM storage_snapshots s2 WHERE s2.node_name = s1.node_name)`)
	if err != nil {
		return nil, fmt.Errorf("storage snapshot query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.StorageSnapshot)
	for rows.Next() {
		var snap types.StorageSnapshot
		var ts string
		if err := rows.Scan(&ts, &snap.NodeName, &snap.AvailableBytes,
			&snap.TotalBytes, &snap.UsedBytes, &snap.TrashBytes, &snap.Source); err != nil {
			return nil, err
		}
		snap.TS = parseTime(ts)
		out[snap.NodeName] = snap
	}
	return out, rows.Err()
}

// nodeFilter appends "AND col IN (?, ...)" and the matching args.
func nodeFilter(col string, nodes []string, args *[]any) string {
	if len(nodes) == 0 {
		// A non-aggregate view with no nodes matches nothing.
		return " AND 1=0"
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(nodes)), ", ")
	for _, n := range nodes {
		*args = append(*args, n)
	}
	return fmt.Sprintf(" AND %s IN (%s)", col, placeholders)
}
