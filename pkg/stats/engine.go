package stats

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/dashboard"
	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/processor"
	"github.com/nodepulse/nodepulse/pkg/store"
	"github.com/nodepulse/nodepulse/pkg/types"
)

const (
	throughputWindow = time.Minute
	historyDepth     = 24 * time.Hour
	topN             = 10
)

// Throughput is the short-window live transfer rate.
type Throughput struct {
	DownloadBps float64 `json:"download_bps"`
	UploadBps   float64 `json:"upload_bps"`
}

type throughputSample struct {
	ts       float64
	download int64
	upload   int64
}

// viewState tracks one distinct subscription. seenSeq holds each node's
// event sequence number as of the last publish; it only decides whether a
// cycle has anything new to do, the counters themselves are rebuilt from
// the live windows.
type viewState struct {
	view      types.View
	seenSeq   map[string]int64
	published bool
}

// Engine recomputes per-view rolling statistics whenever subscribed nodes
// have new events and publishes stats_update payloads to matching
// dashboards. A separate faster cycle publishes per-node performance bins.
type Engine struct {
	procs        map[string]*processor.Processor
	store        *store.Store
	hub          *dashboard.Hub
	logger       zerolog.Logger
	interval     time.Duration
	perfInterval time.Duration

	views map[string]*viewState
}

// New creates the engine over the given processors.
func New(procs map[string]*processor.Processor, st *store.Store, hub *dashboard.Hub, interval, perfInterval time.Duration) *Engine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if perfInterval <= 0 {
		perfInterval = 2 * time.Second
	}
	return &Engine{
		procs:        procs,
		store:        st,
		hub:          hub,
		logger:       log.WithComponent("stats"),
		interval:     interval,
		perfInterval: perfInterval,
		views:        make(map[string]*viewState),
	}
}

// Run drives both cycles until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	stats := time.NewTicker(e.interval)
	perf := time.NewTicker(e.perfInterval)
	defer stats.Stop()
	defer perf.Stop()

	for {
		select {
		case <-stats.C:
			e.statsCycle(ctx)
		case <-perf.C:
			e.perfCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// statsCycle is one pass of the incremental aggregation loop.
func (e *Engine) statsCycle(ctx context.Context) {
	active := e.hub.ActiveViews()

	// Drop state for views nobody subscribes to anymore.
	for key := range e.views {
		if _, ok := active[key]; !ok {
			delete(e.views, key)
		}
	}

	for key, view := range active {
		state := e.views[key]
		if state == nil {
			state = &viewState{
				view:    view,
				seenSeq: make(map[string]int64),
			}
			e.views[key] = state
		}
		e.updateView(ctx, key, state)
	}
}

func (e *Engine) viewNodes(view types.View) []string {
	if !view.Aggregate {
		return view.Nodes
	}
	nodes := make([]string, 0, len(e.procs))
	for name := range e.procs {
		nodes = append(nodes, name)
	}
	return nodes
}

// updateView publishes fresh statistics when any of the view's nodes has
// new events since the last publish. Counters are rebuilt from the nodes'
// live windows, so expired events fall out of the aggregate for free.
func (e *Engine) updateView(ctx context.Context, key string, state *viewState) {
	fresh := false
	for _, node := range e.viewNodes(state.view) {
		if proc, ok := e.procs[node]; ok && proc.EventCount() > state.seenSeq[node] {
			fresh = true
			break
		}
	}

	// Publish on change, plus once when the view first appears so a new
	// subscriber is not left waiting for traffic.
	if !fresh && state.published {
		return
	}

	counters := NewCounters()
	var recent []throughputSample
	for _, node := range e.viewNodes(state.view) {
		proc, ok := e.procs[node]
		if !ok {
			continue
		}
		snap, ok := proc.SnapshotSince(ctx, 0)
		if !ok {
			return
		}
		for _, ev := range snap.Events {
			counters.Merge(ev)
			if sample, ok := throughputOf(ev); ok {
				recent = append(recent, sample)
			}
		}
		state.seenSeq[node] = snap.Next
	}

	e.publish(key, state, counters, liveThroughput(recent))
	state.published = true
}

func throughputOf(ev types.TrafficEvent) (throughputSample, bool) {
	if ev.Status != types.StatusSuccess {
		return throughputSample{}, false
	}
	sample := throughputSample{ts: ev.TSUnix}
	switch ev.Category {
	case types.CategoryPut, types.CategoryPutRepair:
		sample.upload = ev.Size
	default:
		sample.download = ev.Size
	}
	return sample, true
}

// liveThroughput derives the last-minute transfer rate from the window's
// samples.
func liveThroughput(recent []throughputSample) Throughput {
	cutoff := float64(time.Now().Add(-throughputWindow).UnixNano()) / 1e9

	var download, upload int64
	for _, sample := range recent {
		if sample.ts < cutoff {
			continue
		}
		download += sample.download
		upload += sample.upload
	}

	seconds := throughputWindow.Seconds()
	return Throughput{
		DownloadBps: float64(download) / seconds,
		UploadBps:   float64(upload) / seconds,
	}
}

func (e *Engine) publish(key string, state *viewState, counters *Counters, throughput Throughput) {
	history, err := e.store.HourlyStatsRange(state.view, time.Now().Add(-historyDepth), time.Now())
	if err != nil {
		e.logger.Warn().Err(err).Str("view", key).Msg("hourly history read failed")
	}

	e.hub.SendToView(key, "stats_update", map[string]any{
		"view":         key,
		"categories":   counters.Categories,
		"satellites":   counters.Satellites,
		"size_buckets": counters.SizeBuckets,
		"countries":    counters.Countries,
		"top_pieces":   counters.TopPieces(topN),
		"top_errors":   counters.TopErrors(topN),
		"throughput":   throughput,
		"history":      history,
	})
}

// PerfBin is one interval of a node's performance batch.
type PerfBin struct {
	TS         int64            `json:"ts"`
	Categories map[string]*Perf `json:"categories"`
}

// Perf is one category's slice of a bin.
type Perf struct {
	Success int64 `json:"success"`
	Fail    int64 `json:"fail"`
	Bytes   int64 `json:"bytes"`
}

// perfCycle drains each node's unprocessed performance events, bins them
// per second, and pushes a batch to every view containing the node.
// Processors are drained even with no dashboards connected, otherwise
// their performance buffers would grow for as long as nobody watches.
func (e *Engine) perfCycle(ctx context.Context) {
	active := e.hub.ActiveViews()

	for node, proc := range e.procs {
		events := proc.DrainPerf(ctx)
		if len(events) == 0 || len(active) == 0 {
			continue
		}

		bins := binPerf(events)
		for key, view := range active {
			if view.Includes(node) {
				e.hub.SendToView(key, "performance_batch_update", map[string]any{
					"node_name": node,
					"bins":      bins,
				})
			}
		}
	}
}

func binPerf(events []types.PerfEvent) []PerfBin {
	byTS := make(map[int64]*PerfBin)
	for _, ev := range events {
		ts := int64(ev.TSUnix)
		bin := byTS[ts]
		if bin == nil {
			bin = &PerfBin{TS: ts, Categories: make(map[string]*Perf)}
			byTS[ts] = bin
		}
		perf := bin.Categories[string(ev.Category)]
		if perf == nil {
			perf = &Perf{}
			bin.Categories[string(ev.Category)] = perf
		}
		if ev.Status == types.StatusSuccess {
			perf.Success++
			perf.Bytes += ev.Size
		} else {
			perf.Fail++
		}
	}

	out := make([]PerfBin, 0, len(byTS))
	for _, bin := range byTS {
		out = append(out, *bin)
	}
	// Small slices; dashboards want them time-ordered.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].TS > out[j].TS; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
