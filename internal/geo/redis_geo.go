package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands plus a metadata hash per
// provider. Claim is a Lua compare-and-set on the hash: two accepts naming
// the same provider can arrive under different request locks, so the
// exclusivity check has to happen inside Redis.
type RedisGeo struct {
	client    *redis.Client
	scripter  redis.Scripter
	key       string
	staleness time.Duration
	ctx       context.Context
}

// claimScript flips an online, available provider to on_job. Runs atomically
// server-side, so concurrent claims see each other's write.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "missing"
end
local status = redis.call("HGET", KEYS[1], "status")
local avail = redis.call("HGET", KEYS[1], "available")
if status ~= ARGV[1] or avail ~= "true" then
  return "busy"
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "available", "false")
return "ok"
`)

func NewRedisGeo(addr, password, key string, staleness time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, scripter: c, key: key, staleness: staleness, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p models.Provider) {
	if p.Pos != nil {
		_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Pos.Lon, Latitude: p.Pos.Lat, Name: p.ID}).Result()
	}
	_ = r.client.HSet(r.ctx, metaKey(p.ID), map[string]interface{}{
		"status":    string(p.Status),
		"available": strconv.FormatBool(p.Available),
		"vehicle":   string(p.Vehicle),
		"rating":    strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"updated":   time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) Remove(providerID string) {
	_ = r.client.ZRem(r.ctx, r.key, providerID).Err()
	_ = r.client.Del(r.ctx, metaKey(providerID)).Err()
}

func (r *RedisGeo) Get(providerID string) (models.Provider, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(providerID)).Result()
	if err != nil || len(m) == 0 {
		return models.Provider{}, false
	}
	p := providerFromMeta(providerID, m)
	if pos, err := r.client.GeoPos(r.ctx, r.key, providerID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		p.Pos = &models.Position{Lat: pos[0].Latitude, Lon: pos[0].Longitude, Timestamp: p.Updated}
	}
	return p, true
}

func (r *RedisGeo) Nearest(origin models.Position, f Filter) (models.Provider, bool) {
	// generous radius; staleness and status filters do the real narrowing
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: 50000, Unit: "m", WithCoord: true, WithDist: true, Count: 32, Sort: "ASC",
	}).Result()
	if err != nil {
		return models.Provider{}, false
	}
	for _, g := range res {
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		p := providerFromMeta(g.Name, m)
		p.Pos = &models.Position{Lat: g.Latitude, Lon: g.Longitude, Timestamp: p.Updated}
		if p.Status != models.ProviderOnline || !p.Available {
			continue
		}
		if f.Vehicle != "" && p.Vehicle != f.Vehicle {
			continue
		}
		if time.Since(p.Updated) > r.staleness {
			continue
		}
		return p, true
	}
	return models.Provider{}, false
}

func (r *RedisGeo) Nearby(origin models.Position, limit int) []models.Provider {
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: 50000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Provider, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		p := providerFromMeta(g.Name, m)
		p.Pos = &models.Position{Lat: g.Latitude, Lon: g.Longitude, Timestamp: p.Updated}
		if p.Status != models.ProviderOnline || !p.Available || time.Since(p.Updated) > r.staleness {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *RedisGeo) Claim(providerID string) error {
	res, err := claimScript.Run(r.ctx, r.scripter, []string{metaKey(providerID)},
		string(models.ProviderOnline), string(models.ProviderOnJob)).Text()
	if err != nil {
		return apperr.External("redis claim", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return apperr.NotFound("provider", providerID)
	default:
		return apperr.Conflict("provider %s not available", providerID)
	}
}

func (r *RedisGeo) Free(providerID string) {
	_ = r.client.HSet(r.ctx, metaKey(providerID), map[string]interface{}{
		"status":    string(models.ProviderOnline),
		"available": "true",
		"updated":   time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func providerFromMeta(id string, m map[string]string) models.Provider {
	p := models.Provider{ID: id, Status: models.ProviderStatus(m["status"]), Vehicle: models.VehicleClass(m["vehicle"])}
	p.Available = m["available"] == "true"
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Rating = f
		}
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.Updated = t
		}
	}
	return p
}

func metaKey(id string) string { return "provider:meta:" + id }
