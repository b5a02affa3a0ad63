// Package tracking polls ride snapshots, advances the simulated vehicle and fans
// the derived updates out to observers.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"checkpoint-tracking/events"
	"checkpoint-tracking/geo"
	"checkpoint-tracking/models"
	"checkpoint-tracking/simulator"
)

var (
	ErrSessionNotFound  = errors.New("tracking session not found")
	ErrObserverNotFound = errors.New("observer not attached to ride")
	ErrInvalidRideID    = errors.New("invalid ride id")
)

// RideFetcher loads the current snapshot of a ride.
type RideFetcher interface {
	FetchRide(ctx context.Context, rideID string) (*models.RideSnapshot, error)
}

// FetcherFactory returns a fetcher acting with the given bearer token.
type FetcherFactory func(token string) RideFetcher

// LocationReporter pushes the driver's position back to the backend.
type LocationReporter interface {
	ReportLocation(ctx context.Context, rideID string, at models.Coordinate) error
}

// ReporterFactory returns a reporter acting with the given bearer token.
type ReporterFactory func(token string) LocationReporter

// AddressResolver labels coordinates. It never fails.
type AddressResolver interface {
	Resolve(ctx context.Context, c models.Coordinate) models.AddressInfo
}

// Recorder persists applied updates.
type Recorder interface {
	Record(ctx context.Context, u models.Update) error
}

// Indexer tracks live vehicle positions for spatial search.
type Indexer interface {
	Upsert(rideID string, c models.Coordinate)
	Remove(rideID string)
}

// Options tunes every session a Manager starts.
type Options struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	SpeedKmh     float64
	// InitialOffset is added to the pickup to place the vehicle on first sight.
	InitialOffset  models.Coordinate
	ReportLocation bool
	// RetainFinished is how long a completed session stays readable.
	RetainFinished time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:   5 * time.Second,
		FetchTimeout:   4 * time.Second,
		SpeedKmh:       geo.DefaultSpeedKmh,
		InitialOffset:  models.Coordinate{Latitude: 0.005, Longitude: 0.005},
		RetainFinished: 10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = d.FetchTimeout
	}
	if o.SpeedKmh <= 0 {
		o.SpeedKmh = d.SpeedKmh
	}
	if o.RetainFinished <= 0 {
		o.RetainFinished = d.RetainFinished
	}
	// A zero offset would place the vehicle on the pickup, already arrived.
	// Callers that want that pass an explicit start instead.
	if o.InitialOffset == (models.Coordinate{}) {
		o.InitialOffset = d.InitialOffset
	}
	return o
}

// Deps are the collaborators shared by all sessions. Only Simulator is required.
type Deps struct {
	Simulator *simulator.Simulator
	Addresses AddressResolver
	Index     Indexer
	Events    events.Publisher
	Recorder  Recorder
	Logger    logrus.FieldLogger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Simulator == nil {
		d.Simulator = simulator.New(simulator.DefaultOptions(), d.Logger)
	}
	if d.Events == nil {
		d.Events = events.NewLogPublisher(d.Logger)
	}
	return d
}

// Notification is what a subscriber receives: every update, plus the
// observer's navigation on the final one.
type Notification struct {
	Update     models.Update      `json:"update"`
	Navigation *models.Navigation `json:"navigation,omitempty"`
}

// Info summarizes a session for listings.
type Info struct {
	RideID    string            `json:"ride_id"`
	Status    models.RideStatus `json:"status,omitempty"`
	Observers int               `json:"observers"`
	Finished  bool              `json:"finished"`
	Latest    *models.Update    `json:"latest,omitempty"`
}
