package geoindex

import (
	"math"
	"strings"
	"sync"

	"checkpoint-tracking/geo"
	"checkpoint-tracking/models"
)

const DefaultPrecision uint = 6

// cellMinKm is the shorter side of a geohash cell, by precision.
var cellMinKm = []float64{0, 2500, 625, 156, 19.5, 4.89, 0.61, 0.153, 0.019, 0.0048}

// GeohashIndex buckets rides by geohash cell and searches the 3x3 block of
// cells around the query point.
type GeohashIndex struct {
	precision uint

	mu        sync.RWMutex
	cells     map[string]map[string]struct{}
	positions map[string]models.Coordinate
	hashes    map[string]string
}

func NewGeohashIndex(precision uint) *GeohashIndex {
	if precision == 0 || precision >= uint(len(cellMinKm)) {
		precision = DefaultPrecision
	}
	return &GeohashIndex{
		precision: precision,
		cells:     make(map[string]map[string]struct{}),
		positions: make(map[string]models.Coordinate),
		hashes:    make(map[string]string),
	}
}

func (g *GeohashIndex) Upsert(rideID string, c models.Coordinate) {
	hash := geo.Geohash(c, g.precision)

	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.hashes[rideID]; ok && old != hash {
		g.removeFromCell(old, rideID)
	}
	bucket, ok := g.cells[hash]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[hash] = bucket
	}
	bucket[rideID] = struct{}{}
	g.hashes[rideID] = hash
	g.positions[rideID] = c
}

func (g *GeohashIndex) Remove(rideID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if hash, ok := g.hashes[rideID]; ok {
		g.removeFromCell(hash, rideID)
	}
	delete(g.hashes, rideID)
	delete(g.positions, rideID)
}

func (g *GeohashIndex) removeFromCell(hash, rideID string) {
	bucket := g.cells[hash]
	delete(bucket, rideID)
	if len(bucket) == 0 {
		delete(g.cells, hash)
	}
}

// searchPrecision is the finest precision whose cells are at least radiusKm
// across at lat, so the 3x3 block covers the whole search circle.
func (g *GeohashIndex) searchPrecision(lat, radiusKm float64) uint {
	shrink := math.Max(math.Cos(lat*math.Pi/180), 0.01)
	p := g.precision
	for p > 1 && cellMinKm[p]*shrink < radiusKm {
		p--
	}
	return p
}

func (g *GeohashIndex) SearchNearby(c models.Coordinate, radiusKm float64) []Hit {
	p := g.searchPrecision(c.Latitude, radiusKm)
	center := geo.Geohash(c, p)
	prefixes := append(geo.Neighbors(center), center)

	g.mu.RLock()
	defer g.mu.RUnlock()

	candidates := make(map[string]models.Coordinate)
	for hash, bucket := range g.cells {
		if !hasAnyPrefix(hash, prefixes) {
			continue
		}
		for id := range bucket {
			candidates[id] = g.positions[id]
		}
	}
	return filterAndSort(c, radiusKm, candidates)
}

func (g *GeohashIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.positions)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
