package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nodepulse/nodepulse/pkg/log"
	"github.com/nodepulse/nodepulse/pkg/types"
)

// Writer is the narrow mutation surface handed to processors and pollers.
// All mutations funnel through the store's single logical writer.
type Writer interface {
	EnqueueEvent(event types.TrafficEvent)
	WriteHashstore(node string, rec types.HashstoreEnd) error
	WriteStorageSnapshot(snap types.StorageSnapshot) error
	SetPersistentState(key string, value []byte) error
}

// Config holds store tunables. Zero values fall back to the documented
// defaults.
type Config struct {
	Path               string
	QueueSize          int
	BatchInterval      time.Duration
	RollupInterval     time.Duration
	PruneInterval      time.Duration
	EventsRetention    time.Duration
	HashstoreRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 30000
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 10 * time.Second
	}
	if c.RollupInterval <= 0 {
		c.RollupInterval = 10 * time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 6 * time.Hour
	}
	if c.EventsRetention <= 0 {
		c.EventsRetention = 48 * time.Hour
	}
	if c.HashstoreRetention <= 0 {
		c.HashstoreRetention = 30 * 24 * time.Hour
	}
}

// Store owns the SQLite database. Writes serialize through writeMu; WAL
// journaling lets readers run concurrently with the writer.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger

	writeMu sync.Mutex
	queue   chan types.TrafficEvent

	// pending holds a batch whose commit failed; it is retried on the
	// next tick before newly drained events.
	pending []types.TrafficEvent
}

// Open opens (creating if necessary) the database and applies migrations.
// A migration failure is fatal to startup and returned to the caller.
func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: log.WithComponent("store"),
		queue:  make(chan types.TrafficEvent, cfg.QueueSize),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the database. Call after the writer loop has stopped.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueueDepth returns the number of events waiting to be committed.
func (s *Store) QueueDepth() int {
	return len(s.queue)
}

// timeLayout keeps the fractional part at a fixed nine digits so stored
// strings sort lexicographically in time order. RFC3339Nano would drop
// trailing zeros and break the range comparisons in roll-up and pruning.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older versions carry RFC3339 variants.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}
