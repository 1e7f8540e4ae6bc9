package stats

import (
	"sort"

	"github.com/nodepulse/nodepulse/pkg/parser"
	"github.com/nodepulse/nodepulse/pkg/types"
)

// topPieceCap bounds the piece-frequency map; once full, unseen pieces are
// no longer tracked. The cap is far above anything a dashboard renders.
const topPieceCap = 10000

// SFCount is a success/failure pair for one key.
type SFCount struct {
	Success int64 `json:"success"`
	Fail    int64 `json:"fail"`
}

// Transfer accumulates ingress (uploads to the node) and egress (downloads
// from the node) bytes.
type Transfer struct {
	IngressBytes int64 `json:"ingress_bytes"`
	EgressBytes  int64 `json:"egress_bytes"`
}

// PieceAgg tracks how often one piece was touched and how many bytes moved.
type PieceAgg struct {
	PieceID string `json:"piece_id"`
	Count   int64  `json:"count"`
	Size    int64  `json:"size"`
}

// Counters is the rolling aggregate for one view. Merging is incremental:
// each live event is folded in exactly once.
type Counters struct {
	Categories  map[string]*SFCount  `json:"categories"`
	Satellites  map[string]*SFCount  `json:"satellites"`
	SizeBuckets map[string]int64     `json:"size_buckets"`
	Countries   map[string]*Transfer `json:"countries"`

	pieces map[string]*PieceAgg
	errors *ErrorAggregator
}

// NewCounters creates an empty aggregate.
func NewCounters() *Counters {
	return &Counters{
		Categories:  make(map[string]*SFCount),
		Satellites:  make(map[string]*SFCount),
		SizeBuckets: make(map[string]int64),
		Countries:   make(map[string]*Transfer),
		pieces:      make(map[string]*PieceAgg),
		errors:      NewErrorAggregator(),
	}
}

// Merge folds one traffic event into the aggregate.
func (c *Counters) Merge(ev types.TrafficEvent) {
	success := ev.Status == types.StatusSuccess

	bump(c.Categories, string(ev.Category), success)
	bump(c.Satellites, ev.SatelliteID, success)
	c.SizeBuckets[parser.SizeBucket(ev.Size)]++

	if ev.Location.Country != "" {
		transfer := c.Countries[ev.Location.Country]
		if transfer == nil {
			transfer = &Transfer{}
			c.Countries[ev.Location.Country] = transfer
		}
		if success {
			switch ev.Category {
			case types.CategoryPut, types.CategoryPutRepair:
				transfer.IngressBytes += ev.Size
			default:
				transfer.EgressBytes += ev.Size
			}
		}
	}

	if agg, ok := c.pieces[ev.PieceID]; ok {
		agg.Count++
		agg.Size += ev.Size
	} else if len(c.pieces) < topPieceCap {
		c.pieces[ev.PieceID] = &PieceAgg{PieceID: ev.PieceID, Count: 1, Size: ev.Size}
	}

	if ev.ErrorReason != "" {
		c.errors.Add(ev.ErrorReason)
	}
}

func bump(m map[string]*SFCount, key string, success bool) {
	count := m[key]
	if count == nil {
		count = &SFCount{}
		m[key] = count
	}
	if success {
		count.Success++
	} else {
		count.Fail++
	}
}

// TopPieces returns the n most-touched pieces, count descending.
func (c *Counters) TopPieces(n int) []PieceAgg {
	out := make([]PieceAgg, 0, len(c.pieces))
	for _, agg := range c.pieces {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Size > out[j].Size
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// TopErrors renders the n most frequent error templates.
func (c *Counters) TopErrors(n int) []RenderedTemplate {
	return c.errors.Top(n)
}
