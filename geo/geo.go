// Package geo holds the great-circle math used by the tracker.
//
// Functions here do not validate their input. A NaN coordinate yields NaN
// distances and bearings; callers validate at ingestion.
package geo

import (
	"fmt"
	"math"

	"checkpoint-tracking/models"
)

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0

	// DefaultSpeedKmh is the assumed city speed for ETA estimates.
	DefaultSpeedKmh = 40.0

	// KmPerDegree is the length of one degree of latitude.
	KmPerDegree = 111.32
)

// DistanceKm returns the haversine distance between a and b in kilometers.
func DistanceKm(a, b models.Coordinate) float64 {
	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRad(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		h = 1
	}

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// BearingDegrees returns the initial compass bearing from a to b in [0, 360).
func BearingDegrees(a, b models.Coordinate) float64 {
	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	return normalizeBearing(toDeg(math.Atan2(y, x)))
}

// ETALabel renders the travel time for distanceKm at speedKmh.
// Negative, NaN or infinite input and a non-positive speed render as "< 1 min".
func ETALabel(distanceKm, speedKmh float64) string {
	if speedKmh <= 0 || math.IsNaN(speedKmh) || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return "< 1 min"
	}

	minutes := int(math.Round(distanceKm / speedKmh * 60))
	switch {
	case minutes <= 0:
		return "< 1 min"
	case minutes < 60:
		return fmt.Sprintf("%d min", minutes)
	default:
		return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
	}
}

func normalizeBearing(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	// tiny negatives round up to exactly 360 after the shift
	if deg >= 360 {
		return 0
	}
	return deg
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}
