// Package eta estimates provider travel time for offers. The naive
// distance/speed estimate is good enough for offer payloads; a routing
// engine can be swapped in behind Client.
package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/escrow-dispatch/internal/geo"
	"github.com/example/escrow-dispatch/internal/models"
)

// Client is the interface the dispatcher uses to get ETAs.
type Client interface {
	EstimateSeconds(from, to models.Position) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Position) string {
	return fmtPos(a) + "->" + fmtPos(b)
}

func fmtPos(p models.Position) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Position) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Position, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the naive fallback: distance / speed_mps.
func EstimateSeconds(from, to models.Position, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return d / speedMps
}
