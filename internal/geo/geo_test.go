package geo

import (
	"errors"
	"testing"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111km
	d := Haversine(0, 0, 1, 0)
	if d < 110000 || d > 112000 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func onlineProvider(id string, lat, lon float64, ts time.Time) models.Provider {
	return models.Provider{
		ID:        id,
		Status:    models.ProviderOnline,
		Available: true,
		Pos:       &models.Position{Lat: lat, Lon: lon, Timestamp: ts},
	}
}

func TestNearestPicksClosest(t *testing.T) {
	g := NewMemIndex(90 * time.Second)
	now := time.Now()
	g.Upsert(onlineProvider("far", 1, 1, now))
	g.Upsert(onlineProvider("near", 0.001, 0.001, now))

	p, ok := g.Nearest(models.Position{Lat: 0, Lon: 0}, Filter{})
	if !ok || p.ID != "near" {
		t.Fatalf("expected near, got %v ok=%v", p.ID, ok)
	}
}

func TestNearestSkipsStaleAndOffline(t *testing.T) {
	g := NewMemIndex(90 * time.Second)
	base := time.Now()
	g.now = func() time.Time { return base }

	g.Upsert(onlineProvider("fresh", 1, 1, base))
	stale := onlineProvider("stale", 0.001, 0.001, base.Add(-5*time.Minute))
	g.providers["stale"] = stale // bypass Upsert, which would refresh the stamp

	off := onlineProvider("off", 0.001, 0.001, base)
	off.Status = models.ProviderOffline
	g.providers["off"] = off

	p, ok := g.Nearest(models.Position{Lat: 0, Lon: 0}, Filter{})
	if !ok || p.ID != "fresh" {
		t.Fatalf("expected fresh, got %v ok=%v", p.ID, ok)
	}
}

func TestNearestVehicleFilter(t *testing.T) {
	g := NewMemIndex(90 * time.Second)
	now := time.Now()
	moto := onlineProvider("moto", 0.001, 0.001, now)
	moto.Vehicle = models.VehicleMoto
	car := onlineProvider("car", 1, 1, now)
	car.Vehicle = models.VehicleCar
	g.Upsert(moto)
	g.Upsert(car)

	p, ok := g.Nearest(models.Position{}, Filter{Vehicle: models.VehicleCar})
	if !ok || p.ID != "car" {
		t.Fatalf("expected car despite distance, got %v ok=%v", p.ID, ok)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	g := NewMemIndex(90 * time.Second)
	g.Upsert(onlineProvider("p1", 0, 0, time.Now()))

	if err := g.Claim("p1"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if err := g.Claim("p1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	// while claimed the provider is invisible to dispatch
	if _, ok := g.Nearest(models.Position{}, Filter{}); ok {
		t.Fatal("claimed provider should not be dispatchable")
	}

	g.Free("p1")
	if err := g.Claim("p1"); err != nil {
		t.Fatalf("claim after free should succeed: %v", err)
	}
}

func TestClaimUnknownProvider(t *testing.T) {
	g := NewMemIndex(time.Minute)
	if err := g.Claim("ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNearbyOrdering(t *testing.T) {
	g := NewMemIndex(time.Minute)
	now := time.Now()
	g.Upsert(onlineProvider("c", 0.3, 0, now))
	g.Upsert(onlineProvider("a", 0.1, 0, now))
	g.Upsert(onlineProvider("b", 0.2, 0, now))

	got := g.Nearby(models.Position{}, 2)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected order: %v", got)
	}
}
