package stats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepulse/nodepulse/pkg/dashboard"
	"github.com/nodepulse/nodepulse/pkg/geoip"
	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/parser"
	"github.com/nodepulse/nodepulse/pkg/processor"
	"github.com/nodepulse/nodepulse/pkg/source"
	"github.com/nodepulse/nodepulse/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type discardWriter struct{}

func (discardWriter) EnqueueEvent(ev types.TrafficEvent)                       {}
func (discardWriter) WriteHashstore(node string, rec types.HashstoreEnd) error { return nil }
func (discardWriter) WriteStorageSnapshot(snap types.StorageSnapshot) error    { return nil }
func (discardWriter) SetPersistentState(key string, value []byte) error        { return nil }

type unknownResolver struct{}

func (unknownResolver) Lookup(ip string) (types.Location, bool) { return types.Location{}, false }
func (unknownResolver) Close() error                            { return nil }

func TestPerfCycleDrainsWithoutSubscribers(t *testing.T) {
	hub := dashboard.NewHub(dashboard.Config{})
	proc := processor.New(types.Node{Name: "n1", LogPath: "/dev/null"},
		parser.New(geoip.NewCache(unknownResolver{}, 10)), discardWriter{}, hub, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan source.Line, 4)
	go proc.Run(ctx, in)

	in <- source.Line{
		Text:    "2026-08-24T12:00:00.000Z\tINFO\tpiecestore\tdownloaded\t{\"Piece ID\": \"P1\", \"Satellite ID\": \"SAT1\", \"Action\": \"GET\", \"Size\": 65536, \"Remote Address\": \"10.0.0.1:1\"}",
		Arrival: 100.0,
	}
	require.Eventually(t, func() bool { return proc.EventCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	engine := New(map[string]*processor.Processor{"n1": proc}, nil, hub, 0, 0)
	require.Empty(t, hub.ActiveViews())

	// With no dashboards connected the cycle still consumes the node's
	// performance buffer instead of letting it accumulate.
	engine.perfCycle(ctx)
	assert.Empty(t, proc.DrainPerf(ctx))
}
