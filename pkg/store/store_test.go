package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(ts time.Time, node, action string, status types.Status, size int64) types.TrafficEvent {
	return types.TrafficEvent{
		Timestamp:   ts,
		TSUnix:      float64(ts.UnixNano()) / 1e9,
		NodeName:    node,
		Action:      action,
		Category:    types.CategoryGet,
		Status:      status,
		Size:        size,
		PieceID:     "piece",
		SatelliteID: "sat",
		RemoteIP:    "10.0.0.1",
		Location:    types.Location{Country: "Unknown"},
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening runs every migration again against the existing schema.
	s, err = Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestBatchInsertAndFlush(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	duration := 120.5
	ev := event(now, "n1", "GET", types.StatusSuccess, 1024)
	ev.DurationMS = &duration
	s.EnqueueEvent(ev)
	s.EnqueueEvent(event(now, "n1", "PUT", types.StatusFailed, 0))
	assert.Equal(t, 2, s.QueueDepth())

	s.flush()
	assert.Equal(t, 0, s.QueueDepth())

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count))
	assert.Equal(t, 2, count)

	var storedDuration sql.NullInt64
	require.NoError(t, s.db.QueryRow(
		`SELECT duration_ms FROM events WHERE action = 'GET'`).Scan(&storedDuration))
	require.True(t, storedDuration.Valid)
	assert.Equal(t, int64(120), storedDuration.Int64)

	require.NoError(t, s.db.QueryRow(
		`SELECT duration_ms FROM events WHERE action = 'PUT'`).Scan(&storedDuration))
	assert.False(t, storedDuration.Valid)
}

func TestRollupClassification(t *testing.T) {
	s := openTestStore(t)
	hour := time.Date(2025, 5, 5, 14, 0, 0, 0, time.UTC)

	s.EnqueueEvent(event(hour.Add(time.Minute), "n1", "GET", types.StatusSuccess, 100))
	s.EnqueueEvent(event(hour.Add(2*time.Minute), "n1", "GET_REPAIR", types.StatusSuccess, 200))
	s.EnqueueEvent(event(hour.Add(3*time.Minute), "n1", "GET", types.StatusCanceled, 50))
	s.EnqueueEvent(event(hour.Add(4*time.Minute), "n1", "PUT", types.StatusSuccess, 400))
	s.EnqueueEvent(event(hour.Add(5*time.Minute), "n1", "GET_AUDIT", types.StatusSuccess, 10))
	s.EnqueueEvent(event(hour.Add(6*time.Minute), "n1", "GET_AUDIT", types.StatusFailed, 0))
	s.flush()

	require.NoError(t, s.rollupHour(hour))

	stats, err := s.HourlyStatsRange(types.AggregateView(), hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)

	h := stats[0]
	// Repair downloads roll into dl; audits are split out.
	assert.Equal(t, int64(2), h.DlSuccess)
	assert.Equal(t, int64(1), h.DlFail)
	assert.Equal(t, int64(1), h.UlSuccess)
	assert.Equal(t, int64(1), h.AuditSuccess)
	assert.Equal(t, int64(1), h.AuditFail)
	// Byte sums cover successful transfers only.
	assert.Equal(t, int64(300), h.TotalDownloadSize)
	assert.Equal(t, int64(400), h.TotalUploadSize)
}

func TestFormatTimeSortsLexicographically(t *testing.T) {
	boundary := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fractional := boundary.Add(500 * time.Millisecond)

	// The stored strings must sort in time order or every range
	// comparison in roll-up and pruning silently misfiles rows.
	assert.Less(t, formatTime(boundary), formatTime(fractional))
	assert.Less(t, formatTime(fractional), formatTime(boundary.Add(time.Second)))
}

func TestRollupHourBoundaryWithFractionalSeconds(t *testing.T) {
	s := openTestStore(t)
	hour := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// An event half a second into the hour. A layout with a variable-width
	// fraction would sort it before the hour boundary and count it in the
	// previous hour.
	s.EnqueueEvent(event(hour.Add(500*time.Millisecond), "n1", "GET", types.StatusSuccess, 100))
	s.flush()

	require.NoError(t, s.rollupHour(hour.Add(-time.Hour)))
	require.NoError(t, s.rollupHour(hour))

	stats, err := s.HourlyStatsRange(types.AggregateView(), hour.Add(-time.Hour), hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, hour, stats[0].HourTimestamp)
	assert.Equal(t, int64(1), stats[0].DlSuccess)
}

func TestRollupIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	hour := time.Date(2025, 5, 5, 14, 0, 0, 0, time.UTC)

	s.EnqueueEvent(event(hour.Add(time.Minute), "n1", "GET", types.StatusSuccess, 100))
	s.flush()

	require.NoError(t, s.rollupHour(hour))
	require.NoError(t, s.rollupHour(hour))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM hourly_stats`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestBackfillCoversAllHours(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)

	s.EnqueueEvent(event(base.Add(10*time.Minute), "n1", "GET", types.StatusSuccess, 1))
	s.EnqueueEvent(event(base.Add(2*time.Hour+10*time.Minute), "n1", "GET", types.StatusSuccess, 1))
	s.flush()

	require.NoError(t, s.Backfill())

	stats, err := s.HourlyStatsRange(types.AggregateView(), base, base.Add(3*time.Hour))
	require.NoError(t, err)
	// The empty middle hour yields no row.
	require.Len(t, stats, 2)
	assert.Equal(t, base, stats[0].HourTimestamp)
	assert.Equal(t, base.Add(2*time.Hour), stats[1].HourTimestamp)
}

func TestHourlyStatsViewFilter(t *testing.T) {
	s := openTestStore(t)
	hour := time.Date(2025, 5, 5, 14, 0, 0, 0, time.UTC)

	s.EnqueueEvent(event(hour.Add(time.Minute), "n1", "GET", types.StatusSuccess, 1))
	s.EnqueueEvent(event(hour.Add(time.Minute), "n2", "GET", types.StatusSuccess, 1))
	s.flush()
	require.NoError(t, s.rollupHour(hour))

	all, err := s.HourlyStatsRange(types.AggregateView(), hour, hour.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := s.HourlyStatsRange(types.NodesView("n1"), hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "n1", only[0].NodeName)
}

func TestPruneRespectsRetention(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	s.EnqueueEvent(event(now.Add(-72*time.Hour), "n1", "GET", types.StatusSuccess, 1))
	s.EnqueueEvent(event(now.Add(-24*time.Hour), "n1", "GET", types.StatusSuccess, 1))
	s.EnqueueEvent(event(now, "n1", "GET", types.StatusSuccess, 1))
	s.flush()

	require.NoError(t, s.Prune(now))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestPersistentStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetPersistentState("reputation_n1", []byte(`{"score": 1.0}`)))
	require.NoError(t, s.SetPersistentState("reputation_n1", []byte(`{"score": 0.98}`)))

	value, err := s.GetPersistentState("reputation_n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score": 0.98}`, string(value))

	_, err = s.GetPersistentState("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLatestStorageSnapshots(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	total := int64(8_000_000_000_000)
	require.NoError(t, s.WriteStorageSnapshot(types.StorageSnapshot{
		TS: now.Add(-time.Hour), NodeName: "n1", AvailableBytes: 100, Source: "logs",
	}))
	require.NoError(t, s.WriteStorageSnapshot(types.StorageSnapshot{
		TS: now, NodeName: "n1", AvailableBytes: 90, TotalBytes: &total, Source: "api",
	}))

	latest, err := s.LatestStorageSnapshots()
	require.NoError(t, err)
	require.Contains(t, latest, "n1")
	assert.Equal(t, int64(90), latest["n1"].AvailableBytes)
	assert.Equal(t, "api", latest["n1"].Source)
	require.NotNil(t, latest["n1"].TotalBytes)
	assert.Equal(t, total, *latest["n1"].TotalBytes)
}

func TestHashstoreHistory(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.WriteHashstore("n1", types.HashstoreEnd{
		Satellite: "SAT1", Store: "s0", Timestamp: now.Add(-time.Minute),
		DurationS: 30, DataReclaimed: 1000,
	}))
	require.NoError(t, s.WriteHashstore("n2", types.HashstoreEnd{
		Satellite: "SAT1", Store: "s1", Timestamp: now,
		DurationS: 60, DataReclaimed: 2000,
	}))

	rows, err := s.HashstoreHistory(types.AggregateView(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	assert.Equal(t, "n2", rows[0].NodeName)

	filtered, err := s.HashstoreHistory(types.NodesView("n1"), 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, int64(1000), filtered[0].DataReclaimed)
}
