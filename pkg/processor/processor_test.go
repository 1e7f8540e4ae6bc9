package processor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepulse/nodepulse/pkg/dashboard"
	"github.com/nodepulse/nodepulse/pkg/geoip"
	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/parser"
	"github.com/nodepulse/nodepulse/pkg/source"
	"github.com/nodepulse/nodepulse/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type recordingWriter struct {
	mu        sync.Mutex
	events    []types.TrafficEvent
	hashstore []types.HashstoreEnd
	snapshots []types.StorageSnapshot
}

func (w *recordingWriter) EnqueueEvent(ev types.TrafficEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
}

func (w *recordingWriter) WriteHashstore(node string, rec types.HashstoreEnd) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hashstore = append(w.hashstore, rec)
	return nil
}

func (w *recordingWriter) WriteStorageSnapshot(snap types.StorageSnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshots = append(w.snapshots, snap)
	return nil
}

func (w *recordingWriter) SetPersistentState(key string, value []byte) error { return nil }

func (w *recordingWriter) snapshotCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.snapshots)
}

func (w *recordingWriter) hashstoreCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hashstore)
}

type nullResolver struct{}

func (nullResolver) Lookup(ip string) (types.Location, bool) { return types.Location{}, false }
func (nullResolver) Close() error                            { return nil }

type fixture struct {
	proc   *Processor
	writer *recordingWriter
	in     chan source.Line
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	writer := &recordingWriter{}
	hub := dashboard.NewHub(dashboard.Config{})
	p := parser.New(geoip.NewCache(nullResolver{}, 10))
	proc := New(types.Node{Name: "node-1", LogPath: "/dev/null"}, p, writer, hub, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan source.Line, 64)
	go proc.Run(ctx, in)

	t.Cleanup(cancel)
	return &fixture{proc: proc, writer: writer, in: in, cancel: cancel}
}

func startLine(ts string, piece string) string {
	return fmt.Sprintf(`%s	INFO	piecestore	download started	{"Piece ID": "%s", "Satellite ID": "SAT1", "Action": "GET"}`, ts, piece)
}

func endLine(ts string, piece string, extra string) string {
	return fmt.Sprintf(`%s	INFO	piecestore	downloaded	{"Piece ID": "%s", "Satellite ID": "SAT1", "Action": "GET", "Size": 65536, "Remote Address": "10.0.0.1:1"%s}`, ts, piece, extra)
}

func (f *fixture) waitEvents(t *testing.T, n int64) []types.TrafficEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.proc.EventCount() >= n
	}, 2*time.Second, 5*time.Millisecond)

	snap, ok := f.proc.SnapshotSince(context.Background(), 0)
	require.True(t, ok)
	return snap.Events
}

func TestPairingFromArrivalTimes(t *testing.T) {
	f := newFixture(t)

	f.in <- source.Line{Text: startLine("2025-05-05T12:00:00.000Z", "P1"), Arrival: 100.0}
	f.in <- source.Line{Text: endLine("2025-05-05T12:00:00.250Z", "P1", ""), Arrival: 100.25}

	events := f.waitEvents(t, 1)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].DurationMS)
	assert.InDelta(t, 250.0, *events[0].DurationMS, 0.5)
}

func TestPairingFallsBackToLogTimestamps(t *testing.T) {
	f := newFixture(t)

	// Arrival delta of 12s is transport buffering; the daemon's own
	// timestamps are 800ms apart.
	f.in <- source.Line{Text: startLine("2025-05-05T12:00:00.000Z", "P2"), Arrival: 100.0}
	f.in <- source.Line{Text: endLine("2025-05-05T12:00:00.800Z", "P2", ""), Arrival: 112.0}

	events := f.waitEvents(t, 1)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].DurationMS)
	assert.InDelta(t, 800.0, *events[0].DurationMS, 0.5)
}

func TestExplicitDurationWinsOverPairing(t *testing.T) {
	f := newFixture(t)

	f.in <- source.Line{Text: startLine("2025-05-05T12:00:00.000Z", "P3"), Arrival: 100.0}
	f.in <- source.Line{Text: endLine("2025-05-05T12:00:07.100Z", "P3", `, "duration": "7.1s"`), Arrival: 100.2}

	events := f.waitEvents(t, 1)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].DurationMS)
	assert.InDelta(t, 7100.0, *events[0].DurationMS, 0.5)
}

func TestUnpairedEventHasNoDuration(t *testing.T) {
	f := newFixture(t)

	f.in <- source.Line{Text: endLine("2025-05-05T12:00:01.000Z", "P4", ""), Arrival: 100.0}

	events := f.waitEvents(t, 1)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].DurationMS)
}

func TestSnapshotSinceIsIncremental(t *testing.T) {
	f := newFixture(t)

	f.in <- source.Line{Text: endLine("2025-05-05T12:00:01.000Z", "P5", ""), Arrival: 100.0}
	f.waitEvents(t, 1)

	snap, ok := f.proc.SnapshotSince(context.Background(), 0)
	require.True(t, ok)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, int64(1), snap.Next)

	// Nothing new since the last index.
	snap, ok = f.proc.SnapshotSince(context.Background(), snap.Next)
	require.True(t, ok)
	assert.Empty(t, snap.Events)
}

func TestPerfDrainRemovesEvents(t *testing.T) {
	f := newFixture(t)

	f.in <- source.Line{Text: endLine("2025-05-05T12:00:01.000Z", "P6", ""), Arrival: 100.0}
	f.waitEvents(t, 1)

	perf := f.proc.DrainPerf(context.Background())
	require.Len(t, perf, 1)
	assert.Equal(t, types.CategoryGet, perf[0].Category)

	assert.Empty(t, f.proc.DrainPerf(context.Background()))
}

func TestHashstoreCompactionLifecycle(t *testing.T) {
	f := newFixture(t)

	f.in <- source.Line{Text: `2025-05-05T13:00:00Z	INFO	hashstore	beginning compaction	{"satellite": "SAT1", "store": "s0"}`, Arrival: 100.0}

	require.Eventually(t, func() bool {
		snap, ok := f.proc.SnapshotSince(context.Background(), 0)
		return ok && len(snap.Active) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.in <- source.Line{Text: `2025-05-05T13:05:00Z	INFO	hashstore	finished compaction	{"satellite": "SAT1", "store": "s0", "duration": "5m0s", "stats": {"DataReclaimed": 1000}}`, Arrival: 400.0}

	require.Eventually(t, func() bool {
		snap, ok := f.proc.SnapshotSince(context.Background(), 0)
		return ok && len(snap.Active) == 0 && f.writer.hashstoreCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.writer.mu.Lock()
	defer f.writer.mu.Unlock()
	assert.Equal(t, int64(1000), f.writer.hashstore[0].DataReclaimed)
}

func TestStorageSamplingIsRateLimited(t *testing.T) {
	f := newFixture(t)

	withSpace := func(ts, piece string, space int64) string {
		return fmt.Sprintf(`%s	INFO	piecestore	download started	{"Piece ID": "%s", "Satellite ID": "SAT1", "Action": "GET", "Available Space": %d}`, ts, piece, space)
	}

	f.in <- source.Line{Text: withSpace("2025-05-05T12:00:00Z", "P7", 5000000000), Arrival: 100.0}
	require.Eventually(t, func() bool {
		return f.writer.snapshotCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A second sample right away is suppressed regardless of delta. The
	// trailing traffic line proves the start was consumed: the ingest
	// channel is FIFO.
	f.in <- source.Line{Text: withSpace("2025-05-05T12:00:01Z", "P8", 1000000000), Arrival: 101.0}
	f.in <- source.Line{Text: endLine("2025-05-05T12:00:02Z", "P9", ""), Arrival: 102.0}
	f.waitEvents(t, 1)

	assert.Equal(t, 1, f.writer.snapshotCount())
}
