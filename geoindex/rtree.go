package geoindex

import (
	"sync"

	"github.com/dhconnelly/rtreego"

	"checkpoint-tracking/models"
)

// pointTolerance is the side of the box stored for each vehicle, in degrees.
const pointTolerance = 0.0001

// vehicle wraps a position to satisfy rtreego.Spatial.
type vehicle struct {
	rideID string
	pos    models.Coordinate
}

func (v *vehicle) Bounds() rtreego.Rect {
	return rtreego.Point{v.pos.Longitude, v.pos.Latitude}.ToRect(pointTolerance)
}

// RTreeIndex keeps vehicles in an R-tree keyed by (longitude, latitude).
type RTreeIndex struct {
	mu       sync.Mutex
	tree     *rtreego.Rtree
	vehicles map[string]*vehicle
}

func NewRTreeIndex() *RTreeIndex {
	return &RTreeIndex{
		tree:     rtreego.NewTree(2, 25, 50),
		vehicles: make(map[string]*vehicle),
	}
}

func (r *RTreeIndex) Upsert(rideID string, c models.Coordinate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.vehicles[rideID]; ok {
		r.tree.Delete(old)
	}
	v := &vehicle{rideID: rideID, pos: c}
	r.tree.Insert(v)
	r.vehicles[rideID] = v
}

func (r *RTreeIndex) Remove(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.vehicles[rideID]; ok {
		r.tree.Delete(old)
		delete(r.vehicles, rideID)
	}
}

func (r *RTreeIndex) SearchNearby(c models.Coordinate, radiusKm float64) []Hit {
	dLat, dLng := degreeSpan(c.Latitude, radiusKm)
	rect, err := rtreego.NewRectFromPoints(
		rtreego.Point{c.Longitude - dLng, c.Latitude - dLat},
		rtreego.Point{c.Longitude + dLng, c.Latitude + dLat},
	)
	if err != nil {
		return nil
	}

	r.mu.Lock()
	found := r.tree.SearchIntersect(rect)
	r.mu.Unlock()

	candidates := make(map[string]models.Coordinate, len(found))
	for _, s := range found {
		v := s.(*vehicle)
		candidates[v.rideID] = v.pos
	}
	return filterAndSort(c, radiusKm, candidates)
}

func (r *RTreeIndex) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vehicles)
}
