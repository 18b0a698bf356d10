package eta

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/geo"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

// Route is a road route through an ordered list of waypoints.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
	Points          []models.Coord
}

// Router is the road-network capability used for estimation.
type Router interface {
	Route(ctx context.Context, waypoints []models.Coord) (Route, error)
}

// Estimator prices an itinerary. Waypoints are pickup, stops..., dropoff.
type Estimator interface {
	Estimate(ctx context.Context, waypoints []models.Coord, vehicle models.VehicleType) (models.Estimate, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by waypoints.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(wps []models.Coord) string {
	parts := make([]string, len(wps))
	for i, c := range wps {
		parts[i] = fmtCoord(c)
	}
	return strings.Join(parts, "->")
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(wps []models.Coord) (Route, bool) {
	k := keyFor(wps)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(wps []models.Coord, v Route) {
	k := keyFor(wps)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// StraightRoute approximates a route by the polyline through the waypoints.
func StraightRoute(wps []models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = 8.0
	}
	meters := geo.PathKm(wps) * 1000
	return Route{
		DistanceMeters:  meters,
		DurationSeconds: meters / speedMps,
		Points:          append([]models.Coord(nil), wps...),
	}
}

// RouteEstimator is the default Estimator: road routing when a Router is
// configured, straight-line fallback otherwise or on router failure.
type RouteEstimator struct {
	Router          Router // optional OSRM client
	Cache           *Cache // optional route cache
	Prices          PriceTable
	DefaultSpeedMps float64
}

func (e *RouteEstimator) Estimate(ctx context.Context, wps []models.Coord, vehicle models.VehicleType) (models.Estimate, error) {
	if len(wps) < 2 {
		return models.Estimate{}, fmt.Errorf("estimate: need at least pickup and dropoff, got %d points", len(wps))
	}
	tariff, ok := e.Prices[vehicle]
	if !ok {
		return models.Estimate{}, fmt.Errorf("estimate: no tariff for vehicle type %q", vehicle)
	}
	route := e.route(ctx, wps)
	km := route.DistanceMeters / 1000
	return models.Estimate{
		Price:           tariff.Price(km),
		DurationMinutes: round2(route.DurationSeconds / 60),
		DistanceKm:      round2(km),
		Route:           route.Points,
	}, nil
}

func (e *RouteEstimator) route(ctx context.Context, wps []models.Coord) Route {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(wps); ok {
			return r
		}
	}
	var r Route
	if e.Router != nil {
		if rr, err := e.Router.Route(ctx, wps); err == nil {
			r = rr
		} else {
			// fallback to naive estimator
			r = StraightRoute(wps, e.DefaultSpeedMps)
		}
	} else {
		r = StraightRoute(wps, e.DefaultSpeedMps)
	}
	if e.Cache != nil {
		e.Cache.Set(wps, r)
	}
	return r
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
