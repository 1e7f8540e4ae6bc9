package geoip

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/nodepulse/nodepulse/pkg/types"
)

// UnknownCountry is stored for addresses the database cannot place.
const UnknownCountry = "Unknown"

// Resolver resolves an IP address to a location. Implemented by the MaxMind
// reader; tests substitute their own.
type Resolver interface {
	Lookup(ip string) (types.Location, bool)
	Close() error
}

// MaxMind resolves addresses against a MaxMind City database file.
type MaxMind struct {
	reader *geoip2.Reader
}

// Open opens the database at path.
func Open(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMind{reader: reader}, nil
}

// Lookup resolves ip. The second return value is false when the database has
// no record for the address.
func (m *MaxMind) Lookup(ip string) (types.Location, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return types.Location{}, false
	}

	record, err := m.reader.City(parsed)
	if err != nil {
		return types.Location{}, false
	}

	country := record.Country.Names["en"]
	if country == "" {
		country = record.Country.IsoCode
	}
	if country == "" {
		return types.Location{}, false
	}

	lat := record.Location.Latitude
	lon := record.Location.Longitude
	return types.Location{Country: country, Lat: &lat, Lon: &lon}, true
}

// Close closes the underlying database reader.
func (m *MaxMind) Close() error {
	return m.reader.Close()
}

// Cache is a bounded ip -> location cache in front of a Resolver. Misses are
// resolved once; unresolvable addresses are cached as Unknown so they are
// not retried per event. When full, the oldest insertion is evicted.
type Cache struct {
	mu       sync.Mutex
	resolver Resolver
	max      int
	entries  map[string]types.Location
	order    []string
}

// NewCache creates a cache bounded to max entries.
func NewCache(resolver Resolver, max int) *Cache {
	if max <= 0 {
		max = 5000
	}
	return &Cache{
		resolver: resolver,
		max:      max,
		entries:  make(map[string]types.Location),
	}
}

// Lookup returns the location for ip, consulting the resolver on a miss.
func (c *Cache) Lookup(ip string) types.Location {
	c.mu.Lock()
	defer c.mu.Unlock()

	if loc, ok := c.entries[ip]; ok {
		return loc
	}

	loc, ok := c.resolver.Lookup(ip)
	if !ok {
		loc = types.Location{Country: UnknownCountry}
	}

	if len(c.entries) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[ip] = loc
	c.order = append(c.order, ip)
	return loc
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
