package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/metrics"
	"github.com/nodepulse/nodepulse/pkg/types"
)

// LogEntry is the lightweight per-event record streamed to dashboards in
// batches.
type LogEntry struct {
	Action          string         `json:"action"`
	Size            int64          `json:"size"`
	Location        types.Location `json:"location"`
	Timestamp       string         `json:"timestamp"`
	NodeName        string         `json:"node_name"`
	ArrivalOffsetMS float64        `json:"arrival_offset_ms"`

	arrival float64
}

// NewLogEntry builds a batch record from a traffic event.
func NewLogEntry(ev types.TrafficEvent) LogEntry {
	return LogEntry{
		Action:    ev.Action,
		Size:      ev.Size,
		Location:  ev.Location,
		Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
		NodeName:  ev.NodeName,
		arrival:   ev.ArrivalTime,
	}
}

// HistoricalFunc serves a client's get_historical_performance request.
type HistoricalFunc func(view types.View, points, intervalSec int) (any, error)

// InitFunc builds the initial state fields for a freshly subscribed view,
// reflecting history up to the moment of subscription. The fields are sent
// flat as the top level of the init message.
type InitFunc func(view types.View) (map[string]any, error)

// Config holds hub tunables.
type Config struct {
	BatchInterval time.Duration // default 100ms
	BatchSize     int           // default 500
	Historical    HistoricalFunc
	InitState     InitFunc
}

// Hub owns the dashboard subscriber set and the shared log-entry batcher.
// Slow or dead sockets never block the hub: per-client outboxes are bounded
// and a client is dropped on its first failed or refused send.
type Hub struct {
	logger zerolog.Logger
	cfg    Config

	mu      sync.RWMutex
	clients map[*Client]struct{}

	logQueue chan LogEntry
	upgrader websocket.Upgrader
}

// NewHub creates a hub. Historical and InitState must be set before
// serving clients.
func NewHub(cfg Config) *Hub {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Hub{
		logger:   log.WithComponent("dashboard"),
		cfg:      cfg,
		clients:  make(map[*Client]struct{}),
		logQueue: make(chan LogEntry, 10000),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served same-origin or via a reverse
			// proxy; origin enforcement happens there.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// EnqueueLogEntry queues a record for the next batch. Dashboards are a
// best-effort surface: when the queue is full the entry is dropped rather
// than stalling ingest.
func (h *Hub) EnqueueLogEntry(entry LogEntry) {
	select {
	case h.logQueue <- entry:
	default:
	}
}

// Run drains the log-entry queue on the batch interval until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.flushBatch()
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// flushBatch sends the queued log entries, at most BatchSize per cycle,
// annotated with their offset from the batch's first arrival. Each client
// receives only entries for nodes in its view.
func (h *Hub) flushBatch() {
	var batch []LogEntry
	for len(batch) < h.cfg.BatchSize {
		select {
		case entry := <-h.logQueue:
			batch = append(batch, entry)
			continue
		default:
		}
		break
	}
	if len(batch) == 0 {
		return
	}

	first := batch[0].arrival
	for i := range batch {
		batch[i].ArrivalOffsetMS = (batch[i].arrival - first) * 1000
	}

	// Marshal once per distinct view rather than per client.
	payloads := make(map[string][]byte)
	for _, client := range h.snapshot() {
		view := client.View()
		key := view.Key()
		payload, ok := payloads[key]
		if !ok {
			filtered := batch[:0:0]
			for _, entry := range batch {
				if view.Includes(entry.NodeName) {
					filtered = append(filtered, entry)
				}
			}
			if len(filtered) == 0 {
				payloads[key] = nil
				continue
			}
			payload = marshal("log_entry_batch", map[string]any{"events": filtered})
			payloads[key] = payload
		}
		if payload != nil {
			client.enqueue(payload)
		}
	}
}

// Broadcast sends a message to every connected client.
func (h *Hub) Broadcast(msgType string, payload map[string]any) {
	data := marshal(msgType, payload)
	for _, client := range h.snapshot() {
		client.enqueue(data)
	}
}

// SendToView sends a message to every client whose view key matches.
func (h *Hub) SendToView(viewKey, msgType string, payload map[string]any) {
	data := marshal(msgType, payload)
	for _, client := range h.snapshot() {
		if client.View().Key() == viewKey {
			client.enqueue(data)
		}
	}
}

// ActiveViews returns the distinct views currently held by subscribers.
func (h *Hub) ActiveViews() map[string]types.View {
	views := make(map[string]types.View)
	for _, client := range h.snapshot() {
		view := client.View()
		views[view.Key()] = view
	}
	return views
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// snapshot copies the subscriber set so senders never iterate under the
// lock.
func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	metrics.DashboardClients.Set(float64(h.ClientCount()))
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	if present {
		client.close()
		metrics.DashboardClients.Set(float64(h.ClientCount()))
		h.logger.Info().Str("client", client.id).Msg("dashboard disconnected")
	}
}

func (h *Hub) closeAll() {
	for _, client := range h.snapshot() {
		h.unregister(client)
	}
}

func marshal(msgType string, payload map[string]any) []byte {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = msgType
	data, err := json.Marshal(msg)
	if err != nil {
		// Payloads are built from our own types; a marshal failure is
		// a programming error worth surfacing loudly in logs.
		logger := log.WithComponent("dashboard")
		logger.Error().Err(err).Str("msg_type", msgType).Msg("payload marshal failed")
		return nil
	}
	return data
}
