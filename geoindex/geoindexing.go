// Package geoindex answers "which tracked vehicles are near this point".
package geoindex

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"checkpoint-tracking/geo"
	"checkpoint-tracking/models"
)

type Technique string

const (
	GeohashingTechnique Technique = "geohash"
	RTreeTechnique      Technique = "rtree"
	QuadtreeTechnique   Technique = "quadtree"
)

var (
	ErrUnsupportedTechnique = errors.New("unsupported geo-indexing technique")
	ErrNoneNearby           = errors.New("no nearby vehicles found after maximum retries")
)

// Hit is one vehicle found by a search.
type Hit struct {
	RideID     string            `json:"ride_id"`
	Position   models.Coordinate `json:"position"`
	DistanceKm float64           `json:"distance_km"`
}

// Index stores the latest simulated position per ride. Implementations are
// safe for concurrent use.
type Index interface {
	Upsert(rideID string, c models.Coordinate)
	Remove(rideID string)
	// SearchNearby returns rides within radiusKm of c, nearest first.
	SearchNearby(c models.Coordinate, radiusKm float64) []Hit
	Len() int
}

// New builds an index for the given technique. precision only applies to geohash.
func New(technique Technique, precision uint) (Index, error) {
	switch technique {
	case GeohashingTechnique, "":
		return NewGeohashIndex(precision), nil
	case RTreeTechnique:
		return NewRTreeIndex(), nil
	case QuadtreeTechnique:
		return NewQuadtreeIndex(WorldBounds), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTechnique, technique)
	}
}

// SearchNearbyWithRetries searches with radiusKm, doubling it after each empty
// result, up to maxRetries attempts.
func SearchNearbyWithRetries(idx Index, c models.Coordinate, radiusKm float64, maxRetries int) ([]Hit, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if radiusKm <= 0 {
		radiusKm = 1.0
	}

	for i := 0; i < maxRetries; i++ {
		if hits := idx.SearchNearby(c, radiusKm); len(hits) > 0 {
			return hits, nil
		}
		radiusKm *= 2
	}
	return nil, ErrNoneNearby
}

// filterAndSort keeps candidates within radiusKm by haversine distance.
func filterAndSort(center models.Coordinate, radiusKm float64, candidates map[string]models.Coordinate) []Hit {
	hits := make([]Hit, 0, len(candidates))
	for id, pos := range candidates {
		d := geo.DistanceKm(center, pos)
		if d <= radiusKm {
			hits = append(hits, Hit{RideID: id, Position: pos, DistanceKm: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm == hits[j].DistanceKm {
			return hits[i].RideID < hits[j].RideID
		}
		return hits[i].DistanceKm < hits[j].DistanceKm
	})
	return hits
}

// degreeSpan converts a radius to half-widths in degrees of latitude and
// longitude around lat.
func degreeSpan(lat, radiusKm float64) (dLat, dLng float64) {
	dLat = radiusKm / geo.KmPerDegree
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 0.01 {
		return dLat, 180
	}
	dLng = math.Min(radiusKm/(geo.KmPerDegree*cos), 180)
	return dLat, dLng
}
