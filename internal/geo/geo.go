package geo

import (
	"math"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is Haversine between two coordinates, in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

// PathKm sums the leg lengths of a polyline.
func PathKm(points []models.Coord) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += DistanceKm(points[i-1], points[i])
	}
	return total
}

// NearestIndex returns the index of the polyline vertex closest to p, or -1
// for an empty polyline.
func NearestIndex(points []models.Coord, p models.Coord) int {
	best, bestDist := -1, math.MaxFloat64
	for i, q := range points {
		if d := Haversine(p.Lat, p.Lon, q.Lat, q.Lon); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Progress describes where a vehicle is along a route.
type Progress struct {
	// RemainingKm is the distance from the vehicle to the end of the route.
	RemainingKm float64
	// NextStop is the index of the first waypoint not yet passed, or -1 when
	// every waypoint is behind the vehicle.
	NextStop int
}

// Locate projects pos onto route (falling back to the straight polyline
// through waypoints when route is empty) and reports the remaining distance
// and the next waypoint still ahead. Waypoint 0 is treated as already passed.
func Locate(route, waypoints []models.Coord, pos models.Coord) Progress {
	path := route
	if len(path) < 2 {
		path = waypoints
	}
	if len(path) == 0 {
		return Progress{NextStop: -1}
	}
	at := NearestIndex(path, pos)
	remaining := DistanceKm(pos, path[at]) + PathKm(path[at:])

	next := -1
	for i := 1; i < len(waypoints); i++ {
		if NearestIndex(path, waypoints[i]) > at {
			next = i
			break
		}
	}
	// vehicle sits on the vertex of the final waypoint but has not arrived yet
	if next == -1 && len(waypoints) > 1 {
		last := waypoints[len(waypoints)-1]
		if DistanceKm(pos, last) > arrivalRadiusKm {
			next = len(waypoints) - 1
		}
	}
	return Progress{RemainingKm: remaining, NextStop: next}
}

const arrivalRadiusKm = 0.05
