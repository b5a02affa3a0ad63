package geo

import (
	"math"

	"checkpoint-tracking/models"
)

// StepPlanar moves from by stepDeg degrees along bearingDeg, treating degrees
// of latitude and longitude as the same length. The longitude error grows with
// latitude; at city scale it is what the tracker has always shown.
func StepPlanar(from models.Coordinate, bearingDeg, stepDeg float64) models.Coordinate {
	theta := toRad(bearingDeg)
	return models.Coordinate{
		Latitude:  from.Latitude + stepDeg*math.Cos(theta),
		Longitude: from.Longitude + stepDeg*math.Sin(theta),
	}
}

// StepGeodesic returns the destination point distanceKm along the great circle
// that leaves from on bearingDeg.
func StepGeodesic(from models.Coordinate, bearingDeg, distanceKm float64) models.Coordinate {
	delta := distanceKm / EarthRadiusKm
	theta := toRad(bearingDeg)
	lat1 := toRad(from.Latitude)
	lon1 := toRad(from.Longitude)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	return models.Coordinate{
		Latitude:  toDeg(lat2),
		Longitude: math.Mod(toDeg(lon2)+540, 360) - 180,
	}
}
