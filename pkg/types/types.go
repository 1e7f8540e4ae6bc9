package types

import (
	"sort"
	"strings"
	"time"
)

// Category classifies a traffic event by the work the daemon performed.
type Category string

const (
	CategoryGet       Category = "get"
	CategoryPut       Category = "put"
	CategoryAudit     Category = "audit"
	CategoryGetRepair Category = "get_repair"
	CategoryPutRepair Category = "put_repair"
	CategoryOther     Category = "other"
)

// Status is the terminal outcome of a traffic event.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Node describes one monitored storage daemon. Nodes are created at startup
// and never change afterwards.
type Node struct {
	Name        string `yaml:"name"`
	LogPath     string `yaml:"path,omitempty"`
	Address     string `yaml:"address,omitempty"`
	APIEndpoint string `yaml:"api_endpoint,omitempty"`
}

// IsNetwork reports whether the node's log stream arrives over TCP rather
// than from a local file.
func (n Node) IsNetwork() bool {
	return n.Address != ""
}

// Location is the geo-IP resolution for a remote address. Lat/Lon are nil
// when the address could not be located.
type Location struct {
	Country string   `json:"country"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// ParsedEvent is the sum of everything the parser can produce from one log
// line. The processor type-switches over the concrete variants.
type ParsedEvent interface {
	eventKind() string
}

// TrafficEvent is one finished piece transfer (upload/download/audit).
type TrafficEvent struct {
	TSUnix      float64   `json:"ts_unix"`
	Timestamp   time.Time `json:"timestamp"`
	NodeName    string    `json:"node_name"`
	Action      string    `json:"action"`
	Category    Category  `json:"category"`
	Status      Status    `json:"status"`
	Size        int64     `json:"size"`
	PieceID     string    `json:"piece_id"`
	SatelliteID string    `json:"satellite_id"`
	RemoteIP    string    `json:"remote_ip"`
	Location    Location  `json:"location"`
	ErrorReason string    `json:"error_reason,omitempty"`
	DurationMS  *float64  `json:"duration_ms"`

	// ArrivalTime is the local timestamp taken when the source first saw
	// the line, in unix seconds. Used for sub-second latency derivation
	// and batch offset annotation; never persisted.
	ArrivalTime float64 `json:"-"`
}

func (TrafficEvent) eventKind() string { return "traffic_event" }

// OperationStart marks the beginning of a transfer; it is transient and
// matched against the terminal line by (piece, satellite, action).
type OperationStart struct {
	PieceID        string
	SatelliteID    string
	Action         string
	Timestamp      time.Time
	ArrivalTime    float64
	AvailableSpace *int64
}

func (OperationStart) eventKind() string { return "operation_start" }

// HashstoreBegin records the start of a hashstore compaction.
type HashstoreBegin struct {
	Satellite string
	Store     string
	Timestamp time.Time
}

func (HashstoreBegin) eventKind() string { return "hashstore_begin" }

// Key identifies the compaction in the per-node active map.
func (h HashstoreBegin) Key() string { return h.Satellite + ":" + h.Store }

// HashstoreEnd records a finished hashstore compaction with its stats.
type HashstoreEnd struct {
	Satellite     string
	Store         string
	Timestamp     time.Time
	DurationS     float64
	DataReclaimed int64
	DataRewritten int64
	TableLoad     float64 // percent
	TrashPercent  float64 // percent
}

func (HashstoreEnd) eventKind() string { return "hashstore_end" }

// Key identifies the compaction in the per-node active map.
func (h HashstoreEnd) Key() string { return h.Satellite + ":" + h.Store }

// StorageSnapshot is a point-in-time capacity observation, either sampled
// from "Available Space" log fields or polled from the node API.
type StorageSnapshot struct {
	TS             time.Time
	NodeName       string
	AvailableBytes int64
	TotalBytes     *int64
	UsedBytes      *int64
	TrashBytes     *int64
	Source         string // "logs" or "api"
}

// PerfEvent is the reduced form of a traffic event kept for short-interval
// performance binning.
type PerfEvent struct {
	TSUnix   float64
	Category Category
	Status   Status
	Size     int64
}

// HourlyStats is one roll-up row keyed by (hour, node).
type HourlyStats struct {
	HourTimestamp     time.Time `json:"hour_timestamp"`
	NodeName          string    `json:"node_name"`
	DlSuccess         int64     `json:"dl_success"`
	DlFail            int64     `json:"dl_fail"`
	UlSuccess         int64     `json:"ul_success"`
	UlFail            int64     `json:"ul_fail"`
	AuditSuccess      int64     `json:"audit_success"`
	AuditFail         int64     `json:"audit_fail"`
	TotalDownloadSize int64     `json:"total_download_size"`
	TotalUploadSize   int64     `json:"total_upload_size"`
}

// View is a dashboard's subscription filter: the aggregate of all nodes, or
// a specific set of node names.
type View struct {
	Aggregate bool
	Nodes     []string
}

// AggregateView subscribes to every node.
func AggregateView() View {
	return View{Aggregate: true}
}

// NodesView subscribes to the given nodes.
func NodesView(names ...string) View {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return View{Nodes: sorted}
}

// Key is a canonical identity for the view, used to share incremental stats
// between subscribers with the same filter.
func (v View) Key() string {
	if v.Aggregate {
		return "Aggregate"
	}
	return strings.Join(v.Nodes, ",")
}

// Includes reports whether events from the named node belong to this view.
func (v View) Includes(node string) bool {
	if v.Aggregate {
		return true
	}
	for _, n := range v.Nodes {
		if n == node {
			return true
		}
	}
	return false
}
