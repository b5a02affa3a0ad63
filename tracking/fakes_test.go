package tracking

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"checkpoint-tracking/events"
	"checkpoint-tracking/models"
	"checkpoint-tracking/simulator"
)

const (
	rideID    = "6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f"
	driverID  = "driver-1"
	riderID   = "passenger-1"
	otherRide = "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"
)

var (
	pickup      = models.Coordinate{Latitude: 12.9716, Longitude: 77.5946}
	destination = models.Coordinate{Latitude: 12.9698, Longitude: 77.7499}
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func snapshot(status models.RideStatus) *models.RideSnapshot {
	return &models.RideSnapshot{
		ID:          rideID,
		Status:      status,
		Start:       pickup,
		End:         destination,
		DriverID:    driverID,
		PassengerID: riderID,
		Vehicle:     &models.VehicleDetails{Model: "Swift", Number: "KA01AB1234", Color: "White"},
	}
}

// scriptedFetcher serves the current status and counts calls.
type scriptedFetcher struct {
	mu     sync.Mutex
	status models.RideStatus
	err    error
	calls  atomic.Int32
	block  chan struct{}
}

func (f *scriptedFetcher) set(status models.RideStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *scriptedFetcher) FetchRide(ctx context.Context, id string) (*models.RideSnapshot, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	snap := snapshot(f.status)
	snap.ID = id
	return snap, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fakeIndex struct {
	mu    sync.Mutex
	items map[string]models.Coordinate
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{items: make(map[string]models.Coordinate)}
}

func (f *fakeIndex) Upsert(id string, c models.Coordinate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = c
}

func (f *fakeIndex) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
}

func (f *fakeIndex) get(id string) (models.Coordinate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	return c, ok
}

type fakeRecorder struct {
	mu      sync.Mutex
	updates []models.Update
	err     error
}

func (r *fakeRecorder) Record(ctx context.Context, u models.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.updates = append(r.updates, u)
	return nil
}

func (r *fakeRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type fakeReporter struct {
	mu     sync.Mutex
	points []models.Coordinate
}

func (r *fakeReporter) ReportLocation(ctx context.Context, id string, at models.Coordinate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, at)
	return nil
}

func (r *fakeReporter) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

type countingResolver struct {
	calls atomic.Int32
	// gate, when set, holds every lookup until it is closed.
	gate chan struct{}
}

func (r *countingResolver) Resolve(ctx context.Context, c models.Coordinate) models.AddressInfo {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return models.AddressInfo{PlaceName: "MG Road", FullAddress: "MG Road, Bengaluru"}
}

var errBackendDown = errors.New("backend down")

type testDeps struct {
	deps      Deps
	publisher *recordingPublisher
	index     *fakeIndex
	recorder  *fakeRecorder
	resolver  *countingResolver
}

func newTestDeps() testDeps {
	td := testDeps{
		publisher: &recordingPublisher{},
		index:     newFakeIndex(),
		recorder:  &fakeRecorder{},
		resolver:  &countingResolver{},
	}
	logger := quietLogger()
	td.deps = Deps{
		Simulator: simulator.New(simulator.DefaultOptions(), logger),
		Addresses: td.resolver,
		Index:     td.index,
		Events:    td.publisher,
		Recorder:  td.recorder,
		Logger:    logger,
	}
	return td
}
