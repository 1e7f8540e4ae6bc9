package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nodepulse/nodepulse/pkg/metrics"
	"github.com/nodepulse/nodepulse/pkg/types"
)

// EnqueueEvent queues one traffic event for the next batch commit. When the
// queue is full a warning is logged and the caller blocks until the batcher
// drains; that stall propagates back to the tailing source.
func (s *Store) EnqueueEvent(event types.TrafficEvent) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warn().Int("queue_size", cap(s.queue)).Msg("write queue full, applying back-pressure")
		s.queue <- event
	}
	metrics.StoreQueueDepth.Set(float64(len(s.queue)))
}

// Run drives the batch, roll-up, and prune timers until ctx is cancelled,
// then flushes the queue best-effort. Call in its own goroutine.
func (s *Store) Run(ctx context.Context) {
	if err := s.Backfill(); err != nil {
		s.logger.Error().Err(err).Msg("hourly backfill failed")
	}

	batch := time.NewTicker(s.cfg.BatchInterval)
	rollup := time.NewTicker(s.cfg.RollupInterval)
	prune := time.NewTicker(s.cfg.PruneInterval)
	defer batch.Stop()
	defer rollup.Stop()
	defer prune.Stop()

	for {
		select {
		case <-batch.C:
			s.flush()
		case <-rollup.C:
			if err := s.RollupRecentHours(time.Now()); err != nil {
				s.logger.Error().Err(err).Msg("hourly roll-up failed")
			}
		case <-prune.C:
			if err := s.Prune(time.Now()); err != nil {
				s.logger.Error().Err(err).Msg("prune failed")
			}
		case <-ctx.Done():
			s.flush()
			return
		}
	}
}

// flush commits everything queued in one transaction. On failure the batch
// is kept and retried on the next tick; nothing is dropped.
func (s *Store) flush() {
	batch := s.pending
	s.pending = nil
	for {
		select {
		case event := <-s.queue:
			batch = append(batch, event)
			continue
		default:
		}
		break
	}
	metrics.StoreQueueDepth.Set(float64(len(s.queue)))

	if len(batch) == 0 {
		return
	}

	timer := metrics.NewTimer()
	if err := s.insertEvents(batch); err != nil {
		s.logger.Error().Err(err).Int("batch", len(batch)).Msg("batch commit failed, retrying next tick")
		s.pending = batch
		return
	}
	timer.ObserveDuration(metrics.StoreCommitDuration)

	metrics.EventsPersisted.Add(float64(len(batch)))
	metrics.StoreBatchSize.Observe(float64(len(batch)))
}

func (s *Store) insertEvents(batch []types.TrafficEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO events
		(timestamp, action, status, size, piece_id, satellite_id, remote_ip,
		 country, latitude, longitude, error_reason, node_name, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range batch {
		var duration any
		if ev.DurationMS != nil {
			duration = int64(*ev.DurationMS)
		}
		var errorReason any
		if ev.ErrorReason != "" {
			errorReason = ev.ErrorReason
		}
		_, err := stmt.Exec(
			formatTime(ev.Timestamp), ev.Action, string(ev.Status), ev.Size,
			ev.PieceID, ev.SatelliteID, ev.RemoteIP,
			ev.Location.Country, nullFloat(ev.Location.Lat), nullFloat(ev.Location.Lon),
			errorReason, ev.NodeName, duration,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// WriteHashstore persists one finished compaction row immediately.
func (s *Store) WriteHashstore(node string, rec types.HashstoreEnd) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO hashstore_log
		(ts_iso, node_name, satellite, store, duration_s,
		 data_reclaimed_bytes, data_rewritten_bytes, table_load, trash_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(rec.Timestamp), node, rec.Satellite, rec.Store, rec.DurationS,
		rec.DataReclaimed, rec.DataRewritten, rec.TableLoad, rec.TrashPercent)
	if err != nil {
		return fmt.Errorf("failed to write hashstore row: %w", err)
	}
	return nil
}

// WriteStorageSnapshot persists one capacity observation.
func (s *Store) WriteStorageSnapshot(snap types.StorageSnapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO storage_snapshots
		(ts, node_name, available_bytes, total_bytes, used_bytes, trash_bytes, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(snap.TS), snap.NodeName, snap.AvailableBytes,
		nullInt(snap.TotalBytes), nullInt(snap.UsedBytes), nullInt(snap.TrashBytes),
		snap.Source)
	if err != nil {
		return fmt.Errorf("failed to write storage snapshot: %w", err)
	}
	return nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// SetPersistentState stores a JSON blob under key.
func (s *Store) SetPersistentState(key string, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO app_persistent_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(value))
	if err != nil {
		return fmt.Errorf("failed to set persistent state %q: %w", key, err)
	}
	return nil
}

// GetPersistentState reads a blob stored by SetPersistentState. Missing
// keys return sql.ErrNoRows.
func (s *Store) GetPersistentState(key string) ([]byte, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_persistent_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// aggregation over one hour, grouped by node. GET_AUDIT counts as audit;
// every other GET* rolls into downloads and PUT* into uploads. Byte sums
// cover successful transfers only.
const hourlyAggregateSQL = `SELECT node_name,
	SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status = 'success' THEN 1 ELSE 0 END),
	SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status <> 'success' THEN 1 ELSE 0 END),
	SUM(CASE WHEN action LIKE 'PUT%' AND status = 'success' THEN 1 ELSE 0 END),
	SUM(CASE WHEN action LIKE 'PUT%' AND status <> 'success' THEN 1 ELSE 0 END),
	SUM(CASE WHEN action = 'GET_AUDIT' AND status = 'success' THEN 1 ELSE 0 END),
	SUM(CASE WHEN action = 'GET_AUDIT' AND status <> 'success' THEN 1 ELSE 0 END),
	SUM(CASE WHEN action LIKE 'GET%' AND action <> 'GET_AUDIT' AND status = 'success' THEN size ELSE 0 END),
	SUM(CASE WHEN action LIKE 'PUT%' AND status = 'success' THEN size ELSE 0 END)
	FROM events WHERE timestamp >= ? AND timestamp < ?
	GROUP BY node_name`

// rollupHour recomputes and upserts hourly_stats for every node with events
// in [hour, hour+1h).
func (s *Store) rollupHour(hour time.Time) error {
	hour = hour.UTC().Truncate(time.Hour)

	rows, err := s.db.Query(hourlyAggregateSQL, formatTime(hour), formatTime(hour.Add(time.Hour)))
	if err != nil {
		return err
	}

	var stats []types.HourlyStats
	for rows.Next() {
		h := types.HourlyStats{HourTimestamp: hour}
		if err := rows.Scan(&h.NodeName,
			&h.DlSuccess, &h.DlFail, &h.UlSuccess, &h.UlFail,
			&h.AuditSuccess, &h.AuditFail,
			&h.TotalDownloadSize, &h.TotalUploadSize); err != nil {
			rows.Close()
			return err
		}
		stats = append(stats, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range stats {
		_, err := tx.Exec(`INSERT INTO hourly_stats
			(hour_timestamp, node_name, dl_success, dl_fail, ul_success, ul_fail,
			 audit_success, audit_fail, total_download_size, total_upload_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hour_timestamp, node_name) DO UPDATE SET
			 dl_success = excluded.dl_success, dl_fail = excluded.dl_fail,
			 ul_success = excluded.ul_success, ul_fail = excluded.ul_fail,
			 audit_success = excluded.audit_success, audit_fail = excluded.audit_fail,
			 total_download_size = excluded.total_download_size,
			 total_upload_size = excluded.total_upload_size`,
			formatTime(h.HourTimestamp), h.NodeName,
			h.DlSuccess, h.DlFail, h.UlSuccess, h.UlFail,
			h.AuditSuccess, h.AuditFail, h.TotalDownloadSize, h.TotalUploadSize)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RollupRecentHours refreshes the current and previous hour so late events
// near the boundary are not missed.
func (s *Store) RollupRecentHours(now time.Time) error {
	current := now.UTC().Truncate(time.Hour)
	if err := s.rollupHour(current.Add(-time.Hour)); err != nil {
		return err
	}
	return s.rollupHour(current)
}

// Backfill recomputes hourly_stats hour-by-hour across the whole events
// table. Running it twice yields identical rows.
func (s *Store) Backfill() error {
	var minTS, maxTS sql.NullString
	err := s.db.QueryRow(`SELECT MIN(timestamp), MAX(timestamp) FROM events`).Scan(&minTS, &maxTS)
	if err != nil {
		return err
	}
	if !minTS.Valid || !maxTS.Valid {
		return nil
	}

	first := parseTime(minTS.String).Truncate(time.Hour)
	last := parseTime(maxTS.String).Truncate(time.Hour)

	for hour := first; !hour.After(last); hour = hour.Add(time.Hour) {
		if err := s.rollupHour(hour); err != nil {
			return fmt.Errorf("backfill of %s failed: %w", hour.Format(time.RFC3339), err)
		}
	}

	s.logger.Info().
		Time("from", first).Time("to", last).
		Msg("hourly stats backfill complete")
	return nil
}

// Prune deletes events and hashstore rows older than their retention
// cutoffs, in one transaction under the writer lock.
func (s *Store) Prune(now time.Time) error {
	eventsCutoff := formatTime(now.Add(-s.cfg.EventsRetention))
	hashstoreCutoff := formatTime(now.Add(-s.cfg.HashstoreRetention))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	eventsRes, err := tx.Exec(`DELETE FROM events WHERE timestamp < ?`, eventsCutoff)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM hashstore_log WHERE ts_iso < ?`, hashstoreCutoff); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if deleted, err := eventsRes.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Info().Int64("events_deleted", deleted).Str("cutoff", eventsCutoff).Msg("retention prune complete")
	}
	return nil
}
