package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/observability"
)

// Index is the live view of available providers used by the dispatcher.
// Mutation happens only through provider heartbeats (Upsert/Remove) and the
// dispatcher claiming or freeing a provider for a job.
type Index interface {
	Upsert(p models.Provider)
	Remove(providerID string)
	Get(providerID string) (models.Provider, bool)
	// Nearest returns the closest dispatchable candidate to origin, or
	// ok=false when none qualifies. No candidate is not an error: the
	// dispatcher treats it as a legitimate pending state.
	Nearest(origin models.Position, f Filter) (models.Provider, bool)
	Nearby(origin models.Position, limit int) []models.Provider
	// Claim atomically marks an online provider on_job so no concurrent
	// dispatch can take it; Free puts it back online.
	Claim(providerID string) error
	Free(providerID string)
}

// Filter narrows Nearest candidates.
type Filter struct {
	Vehicle models.VehicleClass // empty matches any
}

// MemIndex is the in-memory Index. Naive scan over a map; fine for the
// fleet sizes a single dispatch node serves. RedisGeo covers the rest.
type MemIndex struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
	staleness time.Duration
	now       func() time.Time
}

func NewMemIndex(staleness time.Duration) *MemIndex {
	return &MemIndex{
		providers: make(map[string]models.Provider),
		staleness: staleness,
		now:       time.Now,
	}
}

func (g *MemIndex) Upsert(p models.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = g.now()
	if p.Pos != nil && p.Pos.Timestamp.IsZero() {
		pos := *p.Pos
		pos.Timestamp = p.Updated
		p.Pos = &pos
	}
	g.providers[p.ID] = p
	g.updateOnlineGauge()
}

func (g *MemIndex) Remove(providerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.providers, providerID)
	g.updateOnlineGauge()
}

// caller holds g.mu
func (g *MemIndex) updateOnlineGauge() {
	n := 0
	for _, p := range g.providers {
		if p.Status == models.ProviderOnline {
			n++
		}
	}
	observability.ProvidersOnline.Set(float64(n))
}

func (g *MemIndex) Get(providerID string) (models.Provider, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[providerID]
	return p, ok
}

func (g *MemIndex) dispatchable(p models.Provider, f Filter) bool {
	if p.Status != models.ProviderOnline || !p.Available || p.Pos == nil {
		return false
	}
	if f.Vehicle != "" && p.Vehicle != f.Vehicle {
		return false
	}
	// Stale data must not satisfy a live dispatch.
	return g.now().Sub(p.Pos.Timestamp) <= g.staleness
}

func (g *MemIndex) Nearest(origin models.Position, f Filter) (models.Provider, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var (
		best     models.Provider
		bestDist float64
		found    bool
	)
	for _, p := range g.providers {
		if !g.dispatchable(p, f) {
			continue
		}
		d := Haversine(origin.Lat, origin.Lon, p.Pos.Lat, p.Pos.Lon)
		switch {
		case !found, d < bestDist:
			best, bestDist, found = p, d, true
		case d == bestDist && p.Pos.Timestamp.After(best.Pos.Timestamp):
			// tie: freshest position wins
			best = p
		}
	}
	return best, found
}

func (g *MemIndex) Nearby(origin models.Position, limit int) []models.Provider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.Provider
		dist float64
	}
	arr := make([]pair, 0, len(g.providers))
	for _, p := range g.providers {
		if !g.dispatchable(p, Filter{}) {
			continue
		}
		arr = append(arr, pair{p, Haversine(origin.Lat, origin.Lon, p.Pos.Lat, p.Pos.Lon)})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Provider, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
}

func (g *MemIndex) Claim(providerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[providerID]
	if !ok {
		return apperr.NotFound("provider", providerID)
	}
	if p.Status != models.ProviderOnline || !p.Available {
		return apperr.Conflict("provider %s not available", providerID)
	}
	p.Status = models.ProviderOnJob
	p.Available = false
	p.Updated = g.now()
	g.providers[providerID] = p
	g.updateOnlineGauge()
	return nil
}

func (g *MemIndex) Free(providerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[providerID]
	if !ok {
		return
	}
	p.Status = models.ProviderOnline
	p.Available = true
	p.Updated = g.now()
	g.providers[providerID] = p
	g.updateOnlineGauge()
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
