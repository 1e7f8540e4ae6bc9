package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	LinesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepulse_lines_ingested_total",
			Help: "Total log lines received from sources by node",
		},
		[]string{"node"},
	)

	EventsParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepulse_events_parsed_total",
			Help: "Total parsed events by node and kind",
		},
		[]string{"node", "kind"},
	)

	ParseRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepulse_parse_rejects_total",
			Help: "Total lines rejected as not actionable by node",
		},
		[]string{"node"},
	)

	// Store metrics
	StoreQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodepulse_store_queue_depth",
			Help: "Events waiting in the write-behind queue",
		},
	)

	EventsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepulse_events_persisted_total",
			Help: "Total events committed to the database",
		},
	)

	StoreBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodepulse_store_batch_size",
			Help:    "Events per committed batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodepulse_store_commit_duration_seconds",
			Help:    "Batch commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dashboard metrics
	DashboardClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodepulse_dashboard_clients",
			Help: "Connected dashboard websocket clients",
		},
	)

	DashboardDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepulse_dashboard_drops_total",
			Help: "Dashboard clients dropped for slow or failed sends",
		},
	)

	// Compaction metrics
	ActiveCompactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodepulse_active_compactions",
			Help: "Hashstore compactions currently running by node",
		},
		[]string{"node"},
	)

	// Node API metrics
	PollFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepulse_api_poll_failures_total",
			Help: "Failed node admin API polls by node and class",
		},
		[]string{"node", "class"},
	)
)

func init() {
	prometheus.MustRegister(
		LinesIngested,
		EventsParsed,
		ParseRejects,
		StoreQueueDepth,
		EventsPersisted,
		StoreBatchSize,
		StoreCommitDuration,
		DashboardClients,
		DashboardDrops,
		ActiveCompactions,
		PollFailures,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
