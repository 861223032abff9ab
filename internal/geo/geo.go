package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate expressed in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside the WGS84 coordinate ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm returns the great-circle distance between a and b in kilometres.
func DistanceKm(a, b Point) float64 {
	if a == b {
		return 0
	}
	//1.- Convert both coordinates to radians before applying haversine.
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLng := toRadians(b.Lng - a.Lng)

	//2.- Squared half-angle sines keep the result independent of argument order.
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// ETAMinutes converts a distance and a speed into minutes of travel. The boolean
// is false when the speed cannot produce an estimate.
func ETAMinutes(distanceKm, speedKmh float64) (float64, bool) {
	if speedKmh <= 0 || math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0) {
		return 0, false
	}
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return 0, false
	}
	return distanceKm / speedKmh * 60, true
}

// RoundedETA computes the whole-minute ETA from a vehicle position to a destination.
func RoundedETA(from, to Point, speedKmh float64) (int, bool) {
	minutes, ok := ETAMinutes(DistanceKm(from, to), speedKmh)
	if !ok {
		return 0, false
	}
	return int(math.Round(minutes)), true
}

// Interpolate walks linearly from a to b. The fraction is clamped to [0, 1].
func Interpolate(a, b Point, fraction float64) Point {
	if math.IsNaN(fraction) || fraction <= 0 {
		return a
	}
	if fraction >= 1 {
		return b
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*fraction,
		Lng: a.Lng + (b.Lng-a.Lng)*fraction,
	}
}

// Heading returns the bearing from a to b in degrees within [0, 360).
func Heading(a, b Point) float64 {
	degrees := math.Atan2(b.Lng-a.Lng, b.Lat-a.Lat) * 180 / math.Pi
	return NormalizeHeading(degrees)
}

// NormalizeHeading wraps any angle into [0, 360).
func NormalizeHeading(degrees float64) float64 {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return 0
	}
	wrapped := math.Mod(degrees, 360)
	if wrapped < 0 {
		wrapped += 360
	}
	if wrapped >= 360 {
		wrapped = 0
	}
	return wrapped
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
