// Package simulator walks a vehicle toward its current target, one fixed step
// per call.
package simulator

import (
	"sync"

	"github.com/sirupsen/logrus"

	"checkpoint-tracking/geo"
	"checkpoint-tracking/models"
)

// Mode selects how a step is taken.
type Mode string

const (
	// ModePlanar adds StepDegrees along the bearing in raw degrees.
	ModePlanar Mode = "planar"
	// ModeGeodesic moves StepDegrees*KmPerDegree kilometers along the great circle.
	ModeGeodesic Mode = "geodesic"
)

const (
	DefaultStepDegrees = 0.002
	DefaultArrivalKm   = 0.05
)

// Options tune the walk.
type Options struct {
	StepDegrees float64
	ArrivalKm   float64
	Mode        Mode
}

// DefaultOptions returns the ~200 m step and 50 m arrival radius.
func DefaultOptions() Options {
	return Options{
		StepDegrees: DefaultStepDegrees,
		ArrivalKm:   DefaultArrivalKm,
		Mode:        ModePlanar,
	}
}

// State is the simulated position of one ride.
type State struct {
	Current models.Coordinate `json:"current"`
	Steps   int               `json:"steps"`
}

// Simulator owns per-ride simulation state. It is safe for concurrent use.
type Simulator struct {
	opts   Options
	logger logrus.FieldLogger

	mu     sync.Mutex
	states map[string]*State
}

// New creates a Simulator. Zero option fields fall back to the defaults.
func New(opts Options, logger logrus.FieldLogger) *Simulator {
	def := DefaultOptions()
	if opts.StepDegrees <= 0 {
		opts.StepDegrees = def.StepDegrees
	}
	if opts.ArrivalKm <= 0 {
		opts.ArrivalKm = def.ArrivalKm
	}
	if opts.Mode != ModeGeodesic {
		opts.Mode = ModePlanar
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Simulator{
		opts:   opts,
		logger: logger,
		states: make(map[string]*State),
	}
}

// Options returns the effective options.
func (s *Simulator) Options() Options {
	return s.opts
}

// Advance moves the ride's simulated position one step toward target and
// returns it. The first call for a ride (or the first after Reset) starts the
// walk from current; later calls ignore current.
//
// Within ArrivalKm of the target the stored position is returned unchanged.
// A step that would pass the target lands on it instead.
func (s *Simulator) Advance(rideID string, current, target models.Coordinate, status models.RideStatus) models.Coordinate {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[rideID]
	if !ok {
		st = &State{Current: current}
		s.states[rideID] = st
	}

	remaining := geo.DistanceKm(st.Current, target)
	if remaining < s.opts.ArrivalKm {
		return st.Current
	}

	bearing := geo.BearingDegrees(st.Current, target)
	var next models.Coordinate
	if s.opts.Mode == ModeGeodesic {
		next = geo.StepGeodesic(st.Current, bearing, s.opts.StepDegrees*geo.KmPerDegree)
	} else {
		next = geo.StepPlanar(st.Current, bearing, s.opts.StepDegrees)
	}
	if geo.DistanceKm(st.Current, next) >= remaining {
		next = target
	}

	st.Current = next
	st.Steps++

	s.logger.WithFields(logrus.Fields{
		"ride_id":      rideID,
		"status":       status,
		"step":         st.Steps,
		"remaining_km": geo.DistanceKm(next, target),
	}).Debug("simulated step")

	return next
}

// Reset drops the ride's state so the next Advance starts over from its
// current argument.
func (s *Simulator) Reset(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, rideID)
}

// State returns a copy of the ride's state.
func (s *Simulator) State(rideID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[rideID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Len returns the number of rides being simulated.
func (s *Simulator) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
