package processor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/dashboard"
	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/metrics"
	"github.com/nodepulse/nodepulse/pkg/parser"
	"github.com/nodepulse/nodepulse/pkg/source"
	"github.com/nodepulse/nodepulse/pkg/store"
	"github.com/nodepulse/nodepulse/pkg/types"
)

const (
	// Start-index bounds: above maxStarts the oldest startEvictFraction
	// of entries is discarded in insertion order.
	maxStarts          = 10000
	startEvictFraction = 0.2

	// Arrival-time deltas beyond this are treated as buffering artifacts
	// and the log-timestamp delta is used instead.
	maxArrivalDurationMS = 4000

	// Storage snapshots from log lines are sampled at most every
	// storageSampleInterval and only when the available-space delta
	// exceeds storageSampleDelta.
	storageSampleInterval = 5 * time.Minute
	storageSampleDelta    = 1 << 30 // 1 GiB
)

type startKey struct {
	pieceID     string
	satelliteID string
	action      string
}

type startRecord struct {
	arrival   float64
	timestamp time.Time
}

// Snapshot is the stats engine's consistent read of a node's live state.
// Events carries live events from the requested absolute index; Next is the
// absolute index one past the last returned event.
type Snapshot struct {
	Events []types.TrafficEvent
	Next   int64
	Active map[string]time.Time
}

type snapshotRequest struct {
	from  int64
	reply chan Snapshot
}

type perfRequest struct {
	reply chan []types.PerfEvent
}

// Processor owns one node's live state. All mutation happens on the Run
// goroutine; the stats engine reads through channel-served snapshots, so no
// locks guard the buffers.
type Processor struct {
	node   types.Node
	parser *parser.Parser
	writer store.Writer
	hub    *dashboard.Hub
	logger zerolog.Logger
	window time.Duration

	starts     map[startKey]startRecord
	startOrder []startKey

	live []types.TrafficEvent
	base int64 // count of events pruned from the front of live
	seq  atomic.Int64

	perf   []types.PerfEvent
	active map[string]time.Time

	lastSample    time.Time
	lastAvailable int64
	haveSample    bool

	snapshotCh chan snapshotRequest
	perfCh     chan perfRequest
}

// New creates a processor for the node.
func New(node types.Node, p *parser.Parser, writer store.Writer, hub *dashboard.Hub, window time.Duration) *Processor {
	if window <= 0 {
		window = time.Hour
	}
	return &Processor{
		node:       node,
		parser:     p,
		writer:     writer,
		hub:        hub,
		logger:     log.WithSource("processor", node.Name),
		window:     window,
		starts:     make(map[startKey]startRecord),
		active:     make(map[string]time.Time),
		snapshotCh: make(chan snapshotRequest),
		perfCh:     make(chan perfRequest),
	}
}

// NodeName returns the owning node's name.
func (p *Processor) NodeName() string {
	return p.node.Name
}

// EventCount returns the total number of live events ever appended. The
// stats engine compares it against its per-view indices to detect new work
// without touching the buffers.
func (p *Processor) EventCount() int64 {
	return p.seq.Load()
}

// Run consumes the node's ingest channel until it closes or ctx ends.
func (p *Processor) Run(ctx context.Context, in <-chan source.Line) {
	for {
		select {
		case line, ok := <-in:
			if !ok {
				return
			}
			p.handleLine(line)
		case req := <-p.snapshotCh:
			req.reply <- p.buildSnapshot(req.from)
		case req := <-p.perfCh:
			req.reply <- p.drainPerf()
		case <-ctx.Done():
			return
		}
	}
}

// SnapshotSince returns live events from the absolute index onward together
// with the active-compaction map. Returns false if the processor has
// stopped.
func (p *Processor) SnapshotSince(ctx context.Context, from int64) (Snapshot, bool) {
	req := snapshotRequest{from: from, reply: make(chan Snapshot, 1)}
	select {
	case p.snapshotCh <- req:
	case <-ctx.Done():
		return Snapshot{}, false
	}
	select {
	case snap := <-req.reply:
		return snap, true
	case <-ctx.Done():
		return Snapshot{}, false
	}
}

// DrainPerf removes and returns the accumulated performance events.
func (p *Processor) DrainPerf(ctx context.Context) []types.PerfEvent {
	req := perfRequest{reply: make(chan []types.PerfEvent, 1)}
	select {
	case p.perfCh <- req:
	case <-ctx.Done():
		return nil
	}
	select {
	case events := <-req.reply:
		return events
	case <-ctx.Done():
		return nil
	}
}

func (p *Processor) buildSnapshot(from int64) Snapshot {
	rel := from - p.base
	if rel < 0 {
		rel = 0
	}
	if rel > int64(len(p.live)) {
		rel = int64(len(p.live))
	}

	events := make([]types.TrafficEvent, len(p.live)-int(rel))
	copy(events, p.live[rel:])

	active := make(map[string]time.Time, len(p.active))
	for k, v := range p.active {
		active[k] = v
	}

	return Snapshot{Events: events, Next: p.base + int64(len(p.live)), Active: active}
}

func (p *Processor) drainPerf() []types.PerfEvent {
	out := p.perf
	p.perf = nil
	return out
}

func (p *Processor) handleLine(line source.Line) {
	metrics.LinesIngested.WithLabelValues(p.node.Name).Inc()

	event := p.parser.Parse(line.Text, p.node.Name, line.Arrival)
	if event == nil {
		metrics.ParseRejects.WithLabelValues(p.node.Name).Inc()
		return
	}

	switch ev := event.(type) {
	case types.OperationStart:
		metrics.EventsParsed.WithLabelValues(p.node.Name, "operation_start").Inc()
		p.handleStart(ev)
	case types.TrafficEvent:
		metrics.EventsParsed.WithLabelValues(p.node.Name, "traffic_event").Inc()
		p.handleTraffic(ev)
	case types.HashstoreBegin:
		metrics.EventsParsed.WithLabelValues(p.node.Name, "hashstore_begin").Inc()
		p.handleHashstoreBegin(ev)
	case types.HashstoreEnd:
		metrics.EventsParsed.WithLabelValues(p.node.Name, "hashstore_end").Inc()
		p.handleHashstoreEnd(ev)
	}
}

func (p *Processor) handleStart(ev types.OperationStart) {
	key := startKey{ev.PieceID, ev.SatelliteID, ev.Action}
	if _, exists := p.starts[key]; !exists {
		p.startOrder = append(p.startOrder, key)
	}
	p.starts[key] = startRecord{arrival: ev.ArrivalTime, timestamp: ev.Timestamp}
	p.evictStarts()

	if ev.AvailableSpace != nil {
		p.maybeSampleStorage(*ev.AvailableSpace, ev.Timestamp)
	}
}

// evictStarts discards the oldest fifth of the start index when it
// overflows. Entries already consumed by pairing are skipped.
func (p *Processor) evictStarts() {
	if len(p.starts) <= maxStarts {
		return
	}

	evict := int(float64(len(p.starts)) * startEvictFraction)
	removed := 0
	kept := 0
	for i, key := range p.startOrder {
		if removed >= evict {
			kept = i
			break
		}
		if _, exists := p.starts[key]; exists {
			delete(p.starts, key)
			removed++
		}
		kept = i + 1
	}
	p.startOrder = append([]startKey(nil), p.startOrder[kept:]...)
	p.logger.Debug().Int("evicted", removed).Msg("start index overflow, dropped oldest entries")
}

// maybeSampleStorage writes a capacity snapshot when the sample is old
// enough and the delta is large enough to matter.
func (p *Processor) maybeSampleStorage(available int64, ts time.Time) {
	if p.haveSample && time.Since(p.lastSample) < storageSampleInterval {
		return
	}
	if p.haveSample {
		delta := available - p.lastAvailable
		if delta < 0 {
			delta = -delta
		}
		if delta <= storageSampleDelta {
			return
		}
	}

	snap := types.StorageSnapshot{
		TS:             ts,
		NodeName:       p.node.Name,
		AvailableBytes: available,
		Source:         "logs",
	}
	if err := p.writer.WriteStorageSnapshot(snap); err != nil {
		p.logger.Warn().Err(err).Msg("storage snapshot write failed")
		return
	}

	p.lastSample = time.Now()
	p.lastAvailable = available
	p.haveSample = true
	p.logger.Debug().Str("available", humanize.IBytes(uint64(available))).Msg("storage snapshot sampled")
}

func (p *Processor) handleTraffic(ev types.TrafficEvent) {
	if ev.DurationMS == nil {
		p.pairDuration(&ev)
	}

	switch ev.Category {
	case types.CategoryGet, types.CategoryPut, types.CategoryAudit,
		types.CategoryGetRepair, types.CategoryPutRepair:
		p.perf = append(p.perf, types.PerfEvent{
			TSUnix:   ev.TSUnix,
			Category: ev.Category,
			Status:   ev.Status,
			Size:     ev.Size,
		})
	}

	p.appendLive(ev)
	p.hub.EnqueueLogEntry(dashboard.NewLogEntry(ev))

	// Blocks when the store queue is full; back-pressure flows to the
	// source through the ingest channel.
	p.writer.EnqueueEvent(ev)
}

// pairDuration derives the operation latency from the matching start
// record. Arrival-time deltas are preferred for sub-second precision; when
// the delta looks like transport buffering the daemon's own timestamps are
// used instead.
func (p *Processor) pairDuration(ev *types.TrafficEvent) {
	key := startKey{ev.PieceID, ev.SatelliteID, ev.Action}
	start, ok := p.starts[key]
	if !ok {
		return
	}
	delete(p.starts, key)

	durationMS := (ev.ArrivalTime - start.arrival) * 1000
	if durationMS > maxArrivalDurationMS {
		durationMS = float64(ev.Timestamp.Sub(start.timestamp)) / float64(time.Millisecond)
	}
	if durationMS >= 0 {
		ev.DurationMS = &durationMS
	}
}

// appendLive appends in arrival order and prunes the front of the window.
func (p *Processor) appendLive(ev types.TrafficEvent) {
	p.live = append(p.live, ev)
	p.seq.Store(p.base + int64(len(p.live)))

	cutoff := ev.TSUnix - p.window.Seconds()
	pruned := 0
	for pruned < len(p.live) && p.live[pruned].TSUnix < cutoff {
		pruned++
	}
	if pruned > 0 {
		p.live = append(p.live[:0:0], p.live[pruned:]...)
		p.base += int64(pruned)
	}
}

func (p *Processor) handleHashstoreBegin(ev types.HashstoreBegin) {
	p.active[ev.Key()] = ev.Timestamp
	metrics.ActiveCompactions.WithLabelValues(p.node.Name).Set(float64(len(p.active)))
	p.broadcastActive()
	p.logger.Info().Str("compaction", ev.Key()).Msg("compaction started")
}

func (p *Processor) handleHashstoreEnd(ev types.HashstoreEnd) {
	delete(p.active, ev.Key())
	metrics.ActiveCompactions.WithLabelValues(p.node.Name).Set(float64(len(p.active)))
	p.broadcastActive()

	if err := p.writer.WriteHashstore(p.node.Name, ev); err != nil {
		p.logger.Error().Err(err).Str("compaction", ev.Key()).Msg("hashstore record write failed")
		return
	}

	p.hub.Broadcast("hashstore_updated", map[string]any{"node_name": p.node.Name})
	p.logger.Info().
		Str("compaction", ev.Key()).
		Str("reclaimed", humanize.Bytes(uint64(ev.DataReclaimed))).
		Float64("duration_s", ev.DurationS).
		Msg("compaction finished")
}

func (p *Processor) broadcastActive() {
	snapshot := make(map[string]string, len(p.active))
	for key, started := range p.active {
		snapshot[key] = started.Format(time.RFC3339Nano)
	}
	p.hub.Broadcast("active_compactions", map[string]any{
		"node_name": p.node.Name,
		"active":    snapshot,
	})
}
