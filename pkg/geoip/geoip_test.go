package geoip

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nodepulse/nodepulse/pkg/types"
)

type countingResolver struct {
	locations map[string]types.Location
	calls     map[string]int
}

func newCountingResolver(locations map[string]types.Location) *countingResolver {
	return &countingResolver{locations: locations, calls: make(map[string]int)}
}

func (r *countingResolver) Lookup(ip string) (types.Location, bool) {
	r.calls[ip]++
	loc, ok := r.locations[ip]
	return loc, ok
}

func (r *countingResolver) Close() error { return nil }

func TestCacheHitsResolveOnce(t *testing.T) {
	resolver := newCountingResolver(map[string]types.Location{
		"1.1.1.1": {Country: "Australia"},
	})
	cache := NewCache(resolver, 10)

	for i := 0; i < 5; i++ {
		loc := cache.Lookup("1.1.1.1")
		assert.Equal(t, "Australia", loc.Country)
	}
	assert.Equal(t, 1, resolver.calls["1.1.1.1"])
}

func TestCacheCachesUnknown(t *testing.T) {
	resolver := newCountingResolver(nil)
	cache := NewCache(resolver, 10)

	assert.Equal(t, UnknownCountry, cache.Lookup("192.0.2.1").Country)
	assert.Equal(t, UnknownCountry, cache.Lookup("192.0.2.1").Country)
	assert.Equal(t, 1, resolver.calls["192.0.2.1"])
}

func TestCacheEvictsOldest(t *testing.T) {
	resolver := newCountingResolver(map[string]types.Location{
		"1.0.0.1": {Country: "A"},
		"1.0.0.2": {Country: "B"},
		"1.0.0.3": {Country: "C"},
	})
	cache := NewCache(resolver, 2)

	cache.Lookup("1.0.0.1")
	cache.Lookup("1.0.0.2")
	cache.Lookup("1.0.0.3") // evicts 1.0.0.1
	assert.Equal(t, 2, cache.Len())

	cache.Lookup("1.0.0.1") // re-resolved after eviction
	assert.Equal(t, 2, resolver.calls["1.0.0.1"])
	assert.Equal(t, 1, resolver.calls["1.0.0.2"])
}
