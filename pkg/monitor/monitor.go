package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/config"
	"github.com/nodepulse/nodepulse/pkg/dashboard"
	"github.com/nodepulse/nodepulse/pkg/geoip"
	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/metrics"
	"github.com/nodepulse/nodepulse/pkg/nodeapi"
	"github.com/nodepulse/nodepulse/pkg/parser"
	"github.com/nodepulse/nodepulse/pkg/processor"
	"github.com/nodepulse/nodepulse/pkg/source"
	"github.com/nodepulse/nodepulse/pkg/stats"
	"github.com/nodepulse/nodepulse/pkg/store"
	"github.com/nodepulse/nodepulse/pkg/types"
)

const (
	ingestBuffer           = 5000
	statusInterval         = 5 * time.Second
	initHistoryDepth       = 24 * time.Hour
	initHashstoreLimit     = 50
	initStateTimeout       = 5 * time.Second
	historicalPointsMax    = 2000
	historicalIntervalMin  = 1
	historicalIntervalMaxS = 3600
)

type nodeRuntime struct {
	node   types.Node
	src    source.Source
	proc   *processor.Processor
	poller *nodeapi.Poller
	ingest chan source.Line

	prevCount int64
	lastEvent time.Time
}

// Monitor wires sources, processors, the store, the stats engine, and the
// dashboard hub into one running system.
type Monitor struct {
	cfg      *config.Config
	store    *store.Store
	hub      *dashboard.Hub
	resolver geoip.Resolver
	logger   zerolog.Logger

	nodes map[string]*nodeRuntime
}

// New builds the full pipeline. The geo-IP database and the SQLite store
// must open; either failing aborts startup.
func New(cfg *config.Config) (*Monitor, error) {
	resolver, err := geoip.Open(cfg.GeoIPDatabase)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{
		Path:               cfg.DatabaseFile,
		QueueSize:          cfg.QueueMaxSize,
		BatchInterval:      cfg.BatchInterval,
		RollupInterval:     cfg.RollupInterval,
		PruneInterval:      cfg.PruneInterval,
		EventsRetention:    cfg.EventsRetention,
		HashstoreRetention: cfg.HashstoreKeep,
	})
	if err != nil {
		resolver.Close()
		return nil, err
	}

	m := &Monitor{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		logger:   log.WithComponent("monitor"),
		nodes:    make(map[string]*nodeRuntime),
	}

	m.hub = dashboard.NewHub(dashboard.Config{
		BatchInterval: cfg.WSBatchInterval,
		BatchSize:     cfg.WSBatchSize,
		Historical:    m.historical,
		InitState:     m.initState,
	})

	p := parser.New(geoip.NewCache(resolver, cfg.GeoIPCacheSize))
	for _, node := range cfg.Nodes {
		var src source.Source
		if node.IsNetwork() {
			src = source.NewNetworkSource(node.Name, node.Address)
		} else {
			src = source.NewFileSource(node.Name, node.LogPath)
		}
		m.nodes[node.Name] = &nodeRuntime{
			node:   node,
			src:    src,
			proc:   processor.New(node, p, st, m.hub, cfg.StatsWindow),
			ingest: make(chan source.Line, ingestBuffer),
		}
		metrics.RegisterComponent("source_"+node.Name, false, "starting")
	}

	return m, nil
}

// Hub exposes the dashboard hub for HTTP wiring.
func (m *Monitor) Hub() *dashboard.Hub {
	return m.hub
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in dependency order: sources stop first so processors can drain,
// processors stop before the stats engine and hub read their final state,
// and the store flushes last.
func (m *Monitor) Run(ctx context.Context) error {
	srcCtx, stopSources := context.WithCancel(context.Background())
	auxCtx, stopAux := context.WithCancel(context.Background())
	storeCtx, stopStore := context.WithCancel(context.Background())
	defer stopSources()
	defer stopAux()
	defer stopStore()

	var sources, procs, aux, storeWG sync.WaitGroup

	storeWG.Add(1)
	go func() {
		defer storeWG.Done()
		m.store.Run(storeCtx)
	}()

	for _, rt := range m.nodes {
		rt := rt
		procs.Add(1)
		go func() {
			defer procs.Done()
			rt.proc.Run(auxCtx, rt.ingest)
		}()
		sources.Add(1)
		go func() {
			defer sources.Done()
			rt.src.Run(srcCtx, rt.ingest)
		}()
	}

	m.startPollers(auxCtx, &aux)

	procMap := make(map[string]*processor.Processor, len(m.nodes))
	for name, rt := range m.nodes {
		procMap[name] = rt.proc
	}
	engine := stats.New(procMap, m.store, m.hub, m.cfg.StatsInterval, m.cfg.PerfInterval)

	aux.Add(2)
	go func() {
		defer aux.Done()
		engine.Run(auxCtx)
	}()
	go func() {
		defer aux.Done()
		m.hub.Run(auxCtx)
	}()

	aux.Add(1)
	go func() {
		defer aux.Done()
		m.statusLoop(auxCtx)
	}()

	m.logger.Info().Int("nodes", len(m.nodes)).Msg("monitor started")
	<-ctx.Done()
	m.logger.Info().Msg("shutting down")

	stopSources()
	sources.Wait()
	for _, rt := range m.nodes {
		close(rt.ingest)
	}
	procs.Wait()

	stopAux()
	aux.Wait()

	stopStore()
	storeWG.Wait()

	err := m.store.Close()
	m.resolver.Close()
	m.logger.Info().Msg("monitor stopped")
	return err
}

// startPollers discovers each node's admin API and starts a poller where
// one answered.
func (m *Monitor) startPollers(ctx context.Context, wg *sync.WaitGroup) {
	for _, rt := range m.nodes {
		endpoint := nodeapi.Discover(ctx, rt.node, nodeapi.DiscoverOptions{
			DefaultPort: m.cfg.NodeAPIPort,
			AllowRemote: m.cfg.AllowRemoteAPI,
		})
		if endpoint == "" {
			continue
		}
		rt.poller = nodeapi.NewPoller(rt.node, endpoint, m.store, m.cfg.NodeAPITimeout)

		rt := rt
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.poller.Run(ctx)
		}()
	}
}

// statusLoop periodically publishes per-node connection status to all
// dashboards and mirrors it into the health registry.
func (m *Monitor) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.publishStatus()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) publishStatus() {
	status := make(map[string]any, len(m.nodes))
	for name, rt := range m.nodes {
		connected := rt.src.Connected()

		if count := rt.proc.EventCount(); count > rt.prevCount {
			rt.prevCount = count
			rt.lastEvent = time.Now().UTC()
		}
		lastEvent := ""
		if !rt.lastEvent.IsZero() {
			lastEvent = rt.lastEvent.Format(time.RFC3339)
		}

		apiReachable := rt.poller != nil && rt.poller.Reachable()

		status[name] = map[string]any{
			"connected":      connected,
			"last_event_iso": lastEvent,
			"api_reachable":  apiReachable,
		}

		msg := "log source connected"
		if !connected {
			msg = "log source disconnected"
		}
		metrics.UpdateComponent("source_"+name, connected, msg)
	}

	m.hub.Broadcast("connection_status", map[string]any{"nodes": status})
}

// historical serves a dashboard's on-demand performance history request.
func (m *Monitor) historical(view types.View, points, intervalSec int) (any, error) {
	if points <= 0 || points > historicalPointsMax {
		points = 60
	}
	if intervalSec < historicalIntervalMin || intervalSec > historicalIntervalMaxS {
		intervalSec = 60
	}
	return m.store.HistoricalPerformance(view, points, intervalSec)
}

// initState assembles the first payload a freshly subscribed view receives:
// the node roster, the rolling aggregate, recent hourly history, compaction
// state and history, capacity snapshots, and the latest API poll results.
func (m *Monitor) initState(view types.View) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), initStateTimeout)
	defer cancel()

	nodeNames := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		nodeNames = append(nodeNames, name)
	}

	rolling, err := m.store.RollingAggregate(view, m.cfg.StatsWindow)
	if err != nil {
		return nil, err
	}
	history, err := m.store.HourlyStatsRange(view, time.Now().Add(-initHistoryDepth), time.Now())
	if err != nil {
		return nil, err
	}
	hashstore, err := m.store.HashstoreHistory(view, initHashstoreLimit)
	if err != nil {
		return nil, err
	}
	storage, err := m.store.LatestStorageSnapshots()
	if err != nil {
		return nil, err
	}

	active := make(map[string]map[string]string)
	reputation := make(map[string]json.RawMessage)
	earnings := make(map[string]json.RawMessage)
	for name, rt := range m.nodes {
		if !view.Includes(name) {
			continue
		}

		if snap, ok := rt.proc.SnapshotSince(ctx, rt.proc.EventCount()); ok && len(snap.Active) > 0 {
			running := make(map[string]string, len(snap.Active))
			for key, started := range snap.Active {
				running[key] = started.Format(time.RFC3339Nano)
			}
			active[name] = running
		}

		if blob, err := m.store.GetPersistentState("reputation_" + name); err == nil && blob != nil {
			reputation[name] = blob
		}
		if blob, err := m.store.GetPersistentState("earnings_" + name); err == nil && blob != nil {
			earnings[name] = blob
		}
	}

	return map[string]any{
		"nodes":              nodeNames,
		"view":               view.Key(),
		"rolling":            rolling,
		"history":            history,
		"hashstore":          hashstore,
		"storage":            storage,
		"active_compactions": active,
		"reputation":         reputation,
		"earnings":           earnings,
	}, nil
}
