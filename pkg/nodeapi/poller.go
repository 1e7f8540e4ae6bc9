package nodeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/metrics"
	"github.com/nodepulse/nodepulse/pkg/store"
	"github.com/nodepulse/nodepulse/pkg/types"
)

const (
	storageInterval    = 5 * time.Minute
	reputationInterval = time.Hour
	earningsInterval   = 24 * time.Hour

	maxBodyBytes = 4 << 20
)

// Poller fetches one node's admin API on fixed schedules and persists the
// results. Poll classes are independent: a failing earnings endpoint does
// not stop capacity polling.
type Poller struct {
	node     types.Node
	endpoint string
	writer   store.Writer
	client   *http.Client
	logger   zerolog.Logger

	reachable atomic.Bool
}

// NewPoller creates a poller against the discovered endpoint.
func NewPoller(node types.Node, endpoint string, writer store.Writer, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Poller{
		node:     node,
		endpoint: endpoint,
		writer:   writer,
		client:   &http.Client{Timeout: timeout},
		logger:   log.WithSource("nodeapi", node.Name),
	}
}

// Reachable reports whether the most recent poll succeeded.
func (p *Poller) Reachable() bool {
	return p.reachable.Load()
}

// Run polls until ctx ends. Each class is polled once immediately so the
// dashboard has data without waiting a full interval.
func (p *Poller) Run(ctx context.Context) {
	p.pollStorage(ctx)
	p.pollReputation(ctx)
	p.pollEarnings(ctx)

	storage := time.NewTicker(storageInterval)
	reputation := time.NewTicker(reputationInterval)
	earnings := time.NewTicker(earningsInterval)
	defer storage.Stop()
	defer reputation.Stop()
	defer earnings.Stop()

	for {
		select {
		case <-storage.C:
			p.pollStorage(ctx)
		case <-reputation.C:
			p.pollReputation(ctx)
		case <-earnings.C:
			p.pollEarnings(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// snoDashboard is the subset of /api/sno the poller consumes.
type snoDashboard struct {
	DiskSpace struct {
		Used      int64 `json:"used"`
		Available int64 `json:"available"`
		Trash     int64 `json:"trash"`
	} `json:"diskSpace"`
}

func (p *Poller) pollStorage(ctx context.Context) {
	var dash snoDashboard
	if err := p.getJSON(ctx, "/api/sno", &dash); err != nil {
		p.fail("storage", err)
		return
	}
	p.reachable.Store(true)

	// The daemon reports allocated capacity as "available"; free space is
	// what remains after used and trash.
	free := dash.DiskSpace.Available - dash.DiskSpace.Used - dash.DiskSpace.Trash
	if free < 0 {
		free = 0
	}

	total := dash.DiskSpace.Available
	used := dash.DiskSpace.Used
	trash := dash.DiskSpace.Trash
	snap := types.StorageSnapshot{
		TS:             time.Now().UTC(),
		NodeName:       p.node.Name,
		AvailableBytes: free,
		TotalBytes:     &total,
		UsedBytes:      &used,
		TrashBytes:     &trash,
		Source:         "api",
	}
	if err := p.writer.WriteStorageSnapshot(snap); err != nil {
		p.logger.Warn().Err(err).Msg("api storage snapshot write failed")
	}
}

func (p *Poller) pollReputation(ctx context.Context) {
	body, err := p.getRaw(ctx, "/api/sno/satellites")
	if err != nil {
		p.fail("reputation", err)
		return
	}
	p.reachable.Store(true)

	if err := p.writer.SetPersistentState("reputation_"+p.node.Name, body); err != nil {
		p.logger.Warn().Err(err).Msg("reputation state write failed")
	}
}

func (p *Poller) pollEarnings(ctx context.Context) {
	body, err := p.getRaw(ctx, "/api/sno/estimated-payout")
	if err != nil {
		p.fail("earnings", err)
		return
	}
	p.reachable.Store(true)

	if err := p.writer.SetPersistentState("earnings_"+p.node.Name, body); err != nil {
		p.logger.Warn().Err(err).Msg("earnings state write failed")
	}
}

func (p *Poller) fail(class string, err error) {
	p.reachable.Store(false)
	metrics.PollFailures.WithLabelValues(p.node.Name, class).Inc()
	p.logger.Warn().Err(err).Str("class", class).Msg("admin API poll failed")
}

func (p *Poller) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func (p *Poller) getJSON(ctx context.Context, path string, out any) error {
	body, err := p.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
