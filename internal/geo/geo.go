// Package geo holds the spherical helpers shared by the tracker and the
// device simulator.
package geo

import (
	"math"

	"bus-tracker/internal/fleet"
)

const earthRadiusMeters = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Haversine distance in meters
func Haversine(a, b fleet.Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// Bearing returns the initial compass bearing from a to b in [0,360).
func Bearing(a, b fleet.Point) float64 {
	y := math.Sin(toRad(b.Lng-a.Lng)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lng-a.Lng))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// CumDistances returns the cumulative distance along pts; cum[0] is 0.
func CumDistances(pts []fleet.Point) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += Haversine(pts[i-1], pts[i])
		cum[i] = sum
	}
	return cum
}

// Interpolate walks dist meters along the polyline and returns the position,
// the bearing of the segment it lands on and the index of the last vertex
// passed.
func Interpolate(pts []fleet.Point, cum []float64, dist float64) (fleet.Point, float64, int) {
	n := len(pts)
	if n == 0 {
		return fleet.Point{}, 0, -1
	}
	if n == 1 {
		return pts[0], 0, 0
	}
	total := cum[n-1]
	if dist <= 0 || total == 0 {
		return pts[0], Bearing(pts[0], pts[1]), 0
	}
	if dist >= total {
		return pts[n-1], Bearing(pts[n-2], pts[n-1]), n - 1
	}
	// find segment
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	d0, d1 := cum[i-1], cum[i]
	p0, p1 := pts[i-1], pts[i]
	if d1 == d0 {
		return p0, Bearing(p0, p1), i - 1
	}
	frac := (dist - d0) / (d1 - d0)
	p := fleet.Point{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lng: p0.Lng + (p1.Lng-p0.Lng)*frac,
	}
	return p, Bearing(p0, p1), i - 1
}
