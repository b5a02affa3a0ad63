package geoindex

import (
	"math"
	"sync"

	"checkpoint-tracking/models"
)

// Point is a position in (longitude, latitude) degree space.
type Point struct {
	X, Y float64
}

// Bounds represents the boundaries of a region
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// WorldBounds covers every valid coordinate.
var WorldBounds = Bounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

const (
	nodeCapacity = 4
	maxDepth     = 24
)

type quadEntry struct {
	rideID string
	point  Point
}

// QuadtreeNode represents a node in the quadtree
type QuadtreeNode struct {
	Bounds   Bounds
	entries  []quadEntry
	Children [4]*QuadtreeNode
	depth    int
}

// QuadtreeIndex keeps vehicles in a point quadtree.
type QuadtreeIndex struct {
	mu        sync.Mutex
	root      *QuadtreeNode
	positions map[string]models.Coordinate
}

func NewQuadtreeIndex(bounds Bounds) *QuadtreeIndex {
	return &QuadtreeIndex{
		root:      &QuadtreeNode{Bounds: bounds},
		positions: make(map[string]models.Coordinate),
	}
}

func toPoint(c models.Coordinate) Point {
	return Point{X: c.Longitude, Y: c.Latitude}
}

func (qt *QuadtreeIndex) Upsert(rideID string, c models.Coordinate) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	if old, ok := qt.positions[rideID]; ok {
		qt.root.remove(rideID, toPoint(old))
	}
	if qt.root.insert(quadEntry{rideID: rideID, point: toPoint(c)}) {
		qt.positions[rideID] = c
	} else {
		delete(qt.positions, rideID)
	}
}

func (qt *QuadtreeIndex) Remove(rideID string) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	if old, ok := qt.positions[rideID]; ok {
		qt.root.remove(rideID, toPoint(old))
		delete(qt.positions, rideID)
	}
}

func (qt *QuadtreeIndex) SearchNearby(c models.Coordinate, radiusKm float64) []Hit {
	dLat, dLng := degreeSpan(c.Latitude, radiusKm)
	box := Bounds{
		MinX: c.Longitude - dLng, MinY: c.Latitude - dLat,
		MaxX: c.Longitude + dLng, MaxY: c.Latitude + dLat,
	}

	qt.mu.Lock()
	found := qt.root.search(box, nil)
	qt.mu.Unlock()

	candidates := make(map[string]models.Coordinate, len(found))
	for _, e := range found {
		candidates[e.rideID] = models.Coordinate{Latitude: e.point.Y, Longitude: e.point.X}
	}
	return filterAndSort(c, radiusKm, candidates)
}

func (qt *QuadtreeIndex) Len() int {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	return len(qt.positions)
}

// insert adds an entry, subdividing full nodes. Entries already held by a node
// stay there after it splits.
func (node *QuadtreeNode) insert(e quadEntry) bool {
	if !node.contains(e.point) {
		return false
	}
	if node.Children[0] == nil && (len(node.entries) < nodeCapacity || node.depth >= maxDepth) {
		node.entries = append(node.entries, e)
		return true
	}
	if node.Children[0] == nil {
		node.subdivide()
	}
	for i := 0; i < 4; i++ {
		if node.Children[i].insert(e) {
			return true
		}
	}
	return false
}

func (node *QuadtreeNode) remove(rideID string, p Point) bool {
	if !node.contains(p) {
		return false
	}
	for i, e := range node.entries {
		if e.rideID == rideID {
			node.entries = append(node.entries[:i], node.entries[i+1:]...)
			return true
		}
	}
	if node.Children[0] == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if node.Children[i].remove(rideID, p) {
			return true
		}
	}
	return false
}

// contains checks if the point is within the node's bounds
func (node *QuadtreeNode) contains(point Point) bool {
	return point.X >= node.Bounds.MinX && point.X <= node.Bounds.MaxX &&
		point.Y >= node.Bounds.MinY && point.Y <= node.Bounds.MaxY
}

// subdivide splits the node into four child nodes
func (node *QuadtreeNode) subdivide() {
	b := node.Bounds
	midX := (b.MinX + b.MaxX) / 2
	midY := (b.MinY + b.MaxY) / 2
	d := node.depth + 1
	node.Children[0] = &QuadtreeNode{Bounds: Bounds{b.MinX, b.MinY, midX, midY}, depth: d}
	node.Children[1] = &QuadtreeNode{Bounds: Bounds{midX, b.MinY, b.MaxX, midY}, depth: d}
	node.Children[2] = &QuadtreeNode{Bounds: Bounds{b.MinX, midY, midX, b.MaxY}, depth: d}
	node.Children[3] = &QuadtreeNode{Bounds: Bounds{midX, midY, b.MaxX, b.MaxY}, depth: d}
}

func (node *QuadtreeNode) search(box Bounds, out []quadEntry) []quadEntry {
	if !node.intersects(box) {
		return out
	}
	for _, e := range node.entries {
		if e.point.X >= box.MinX && e.point.X <= box.MaxX && e.point.Y >= box.MinY && e.point.Y <= box.MaxY {
			out = append(out, e)
		}
	}
	if node.Children[0] != nil {
		for i := 0; i < 4; i++ {
			out = node.Children[i].search(box, out)
		}
	}
	return out
}

func (node *QuadtreeNode) intersects(box Bounds) bool {
	b := node.Bounds
	return math.Max(b.MinX, box.MinX) <= math.Min(b.MaxX, box.MaxX) &&
		math.Max(b.MinY, box.MinY) <= math.Min(b.MaxY, box.MaxY)
}
