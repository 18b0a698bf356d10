package geo

import (
	"math"
	"testing"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmNoviSad(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 45.2551, Lon: 19.8451}, models.Coord{Lat: 45.2671, Lon: 19.8335})
	if d < 1.4 || d > 1.8 {
		t.Fatalf("expected ~1.6km, got %f", d)
	}
}

func TestLocateStraightLine(t *testing.T) {
	wps := []models.Coord{{Lat: 45.0, Lon: 19.0}, {Lat: 45.01, Lon: 19.0}, {Lat: 45.02, Lon: 19.0}}
	p := Locate(nil, wps, models.Coord{Lat: 45.0, Lon: 19.0})
	if p.NextStop != 1 {
		t.Fatalf("expected next stop 1, got %d", p.NextStop)
	}
	want := PathKm(wps)
	if math.Abs(p.RemainingKm-want) > 1e-6 {
		t.Fatalf("expected remaining %f, got %f", want, p.RemainingKm)
	}

	p = Locate(nil, wps, models.Coord{Lat: 45.0101, Lon: 19.0})
	if p.NextStop != 2 {
		t.Fatalf("expected next stop 2 after passing the middle, got %d", p.NextStop)
	}
	if p.RemainingKm >= want {
		t.Fatalf("remaining should shrink, got %f", p.RemainingKm)
	}
}

func TestLocateArrived(t *testing.T) {
	wps := []models.Coord{{Lat: 45.0, Lon: 19.0}, {Lat: 45.02, Lon: 19.0}}
	p := Locate(nil, wps, models.Coord{Lat: 45.02, Lon: 19.0})
	if p.NextStop != -1 {
		t.Fatalf("expected no next stop at destination, got %d", p.NextStop)
	}
	if p.RemainingKm > 0.001 {
		t.Fatalf("expected ~0 remaining, got %f", p.RemainingKm)
	}
}

func TestLocateEmpty(t *testing.T) {
	if p := Locate(nil, nil, models.Coord{}); p.NextStop != -1 || p.RemainingKm != 0 {
		t.Fatalf("unexpected progress %+v", p)
	}
}
