package tracking

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"checkpoint-tracking/events"
	"checkpoint-tracking/geo"
	"checkpoint-tracking/models"
)

const sideEffectTimeout = 5 * time.Second

type subscriber struct {
	observerID string
	ch         chan Notification
}

// Session tracks one ride for any number of observers. Every poll gets a
// sequence number; a response older than the last applied one is dropped, as
// is anything that resolves after Stop.
type Session struct {
	rideID   string
	ownerID  string
	fetcher  RideFetcher
	reporter LocationReporter
	start    *models.Coordinate
	opts     Options
	deps     Deps
	logger   logrus.FieldLogger

	ctx     context.Context
	cancel  context.CancelFunc
	seq     atomic.Uint64
	wg      sync.WaitGroup
	done    chan struct{}
	started atomic.Bool
	stop    sync.Once

	// onTerminal runs once, on its own goroutine, after a terminal status.
	onTerminal func(*Session)

	addrOnce sync.Once

	mu         sync.Mutex
	applied    uint64
	lastStatus models.RideStatus
	arrivedFor models.RideStatus
	ride       *models.RideSnapshot
	latest     *models.Update
	pickup     *models.AddressInfo
	drop       *models.AddressInfo
	finished   bool
	observers  map[string]struct{}
	navs       map[string]models.Navigation
	subs       map[int]*subscriber
	nextSub    int
}

type sessionConfig struct {
	rideID   string
	ownerID  string
	fetcher  RideFetcher
	reporter LocationReporter
	start    *models.Coordinate
}

func newSession(parent context.Context, cfg sessionConfig, opts Options, deps Deps) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		rideID:    cfg.rideID,
		ownerID:   cfg.ownerID,
		fetcher:   cfg.fetcher,
		reporter:  cfg.reporter,
		start:     cfg.start,
		opts:      opts,
		deps:      deps,
		logger:    deps.Logger.WithField("ride_id", cfg.rideID),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		observers: make(map[string]struct{}),
		navs:      make(map[string]models.Navigation),
		subs:      make(map[int]*subscriber),
	}
	if cfg.ownerID != "" {
		s.observers[cfg.ownerID] = struct{}{}
	}
	return s
}

func (s *Session) RideID() string { return s.rideID }

// Start launches the poll loop. The first poll fires immediately.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

func (s *Session) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.poll()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll fetches in the background so a slow response never delays the next tick.
func (s *Session) poll() {
	seq := s.seq.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
		defer cancel()

		ride, err := s.fetcher.FetchRide(ctx, s.rideID)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).WithField("seq", seq).Warn("ride poll failed")
			return
		}
		if ride.ID == "" {
			ride.ID = s.rideID
		}
		s.apply(seq, ride)
	}()
}

// sideEffects are performed after the session lock is released.
type sideEffects struct {
	events   []events.Event
	update   *models.Update
	report   bool
	terminal bool
}

// apply folds one poll response into the session. It reports whether the
// response was used.
func (s *Session) apply(seq uint64, ride *models.RideSnapshot) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil || s.finished {
		s.mu.Unlock()
		s.logger.WithField("seq", seq).Debug("dropping response for stopped session")
		return false
	}
	if seq <= s.applied {
		applied := s.applied
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{"seq": seq, "applied": applied}).Debug("dropping stale response")
		return false
	}

	s.applied = seq
	s.ride = ride
	prev := s.lastStatus
	s.lastStatus = ride.Status
	now := time.Now()

	var fx sideEffects
	if prev != ride.Status {
		if prev != "" {
			s.deps.Simulator.Reset(s.rideID)
		}
		s.logger.WithFields(logrus.Fields{"seq": seq, "from": prev, "status": ride.Status}).Info("ride status changed")
	}

	if ride.Status.Terminal() {
		fx = s.finish(seq, ride, now)
		s.mu.Unlock()
		s.perform(fx)
		return true
	}

	u := s.derive(seq, ride, now)
	if prev != ride.Status {
		fx.events = append(fx.events, s.event(events.StatusChanged, ride, u.Vehicle, now))
	}
	if u.Arrived && s.arrivedFor != ride.Status {
		s.arrivedFor = ride.Status
		fx.events = append(fx.events, s.event(events.Arrived, ride, u.Vehicle, now))
		s.logger.WithFields(logrus.Fields{"seq": seq, "status": ride.Status}).Info("vehicle arrived")
	}
	if _, tracked := ride.Target(); tracked {
		own := u
		fx.update = &own
		fx.report = s.reporter != nil && s.opts.ReportLocation && models.RoleFor(ride, s.ownerID) == models.RoleDriver
	}

	s.latest = &u
	for _, sub := range s.subs {
		send(sub.ch, Notification{Update: u})
	}
	s.resolveAddresses(ride)
	s.mu.Unlock()

	s.perform(fx)
	return true
}

// derive computes the per-tick view. Caller holds s.mu.
func (s *Session) derive(seq uint64, ride *models.RideSnapshot, now time.Time) models.Update {
	u := models.Update{
		Seq:          seq,
		RideID:       s.rideID,
		Status:       ride.Status,
		VehicleLabel: ride.VehicleLabel(),
		Pickup:       s.pickup,
		Drop:         s.drop,
		At:           now,
	}

	target, ok := ride.Target()
	if !ok {
		return u
	}

	pos := s.deps.Simulator.Advance(s.rideID, s.startingPoint(ride), target, ride.Status)
	dist := geo.DistanceKm(pos, target)

	u.Target = target
	u.Vehicle = pos
	u.DistanceKm = dist
	u.BearingDeg = geo.BearingDegrees(pos, target)
	u.ETA = geo.ETALabel(dist, s.opts.SpeedKmh)
	u.Arrived = dist < s.deps.Simulator.Options().ArrivalKm
	return u
}

// startingPoint is where a fresh walk begins: near the pickup while the driver
// is on the way, at the pickup once the ride is under way.
func (s *Session) startingPoint(ride *models.RideSnapshot) models.Coordinate {
	if ride.Status == models.StatusInProgress {
		return ride.Start
	}
	if s.start != nil {
		return *s.start
	}
	return models.Coordinate{
		Latitude:  ride.Start.Latitude + s.opts.InitialOffset.Latitude,
		Longitude: ride.Start.Longitude + s.opts.InitialOffset.Longitude,
	}
}

// finish emits the final update and each observer's navigation, then closes
// every subscription. Caller holds s.mu.
func (s *Session) finish(seq uint64, ride *models.RideSnapshot, now time.Time) sideEffects {
	s.finished = true

	final := models.Update{
		Seq:          seq,
		RideID:       s.rideID,
		Status:       ride.Status,
		Target:       ride.End,
		Vehicle:      ride.End,
		VehicleLabel: ride.VehicleLabel(),
		Arrived:      ride.Status == models.StatusCompleted,
		Pickup:       s.pickup,
		Drop:         s.drop,
		At:           now,
	}
	if ride.Status != models.StatusCompleted && s.latest != nil {
		final.Vehicle = s.latest.Vehicle
		final.Target = s.latest.Target
	}
	s.latest = &final

	if ride.Status == models.StatusCompleted {
		for id := range s.observers {
			// Observers outside the ride have nowhere to go.
			if role := models.RoleFor(ride, id); role != models.RoleNone {
				s.navs[id] = models.CompletionNavigation(s.rideID, id, role)
			}
		}
	}
	for id, sub := range s.subs {
		n := Notification{Update: final}
		if nav, ok := s.navs[sub.observerID]; ok {
			n.Navigation = &nav
		}
		send(sub.ch, n)
		close(sub.ch)
		delete(s.subs, id)
	}
	s.cancel()

	s.logger.WithFields(logrus.Fields{"seq": seq, "status": ride.Status, "observers": len(s.observers)}).Info("ride tracking finished")

	typ := events.StatusChanged
	if ride.Status == models.StatusCompleted {
		typ = events.Completed
	}
	return sideEffects{
		terminal: true,
		events:   []events.Event{s.event(typ, ride, final.Vehicle, now)},
	}
}

func (s *Session) event(typ events.Type, ride *models.RideSnapshot, at models.Coordinate, now time.Time) events.Event {
	return events.Event{
		Type:       typ,
		RideID:     s.rideID,
		Status:     ride.Status,
		Role:       models.RoleFor(ride, s.ownerID),
		Coordinate: at,
		At:         now,
	}
}

// perform runs I/O outside the lock. Failures are logged only.
func (s *Session) perform(fx sideEffects) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), sideEffectTimeout)
	defer cancel()

	for _, e := range fx.events {
		if err := s.deps.Events.Publish(ctx, e); err != nil {
			s.logger.WithError(err).WithField("event", e.Type).Warn("publishing tracking event failed")
		}
	}

	if fx.update != nil {
		if s.deps.Index != nil {
			s.deps.Index.Upsert(s.rideID, fx.update.Vehicle)
		}
		if s.deps.Recorder != nil {
			if err := s.deps.Recorder.Record(ctx, *fx.update); err != nil {
				s.logger.WithError(err).WithField("seq", fx.update.Seq).Warn("recording track point failed")
			}
		}
		if fx.report {
			if err := s.reporter.ReportLocation(ctx, s.rideID, fx.update.Vehicle); err != nil {
				s.logger.WithError(err).WithField("seq", fx.update.Seq).Warn("reporting location failed")
			}
		}
	}

	if fx.terminal {
		if s.deps.Index != nil {
			s.deps.Index.Remove(s.rideID)
		}
		s.deps.Simulator.Reset(s.rideID)
		if s.onTerminal != nil {
			go s.onTerminal(s)
		}
	}
}

// resolveAddresses labels pickup and drop once per session. Caller holds s.mu.
func (s *Session) resolveAddresses(ride *models.RideSnapshot) {
	if s.deps.Addresses == nil {
		return
	}
	s.addrOnce.Do(func() {
		start, end := ride.Start, ride.End
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			pickup := s.deps.Addresses.Resolve(s.ctx, start)
			drop := s.deps.Addresses.Resolve(s.ctx, end)

			s.mu.Lock()
			defer s.mu.Unlock()
			s.pickup, s.drop = &pickup, &drop
			// Copy on write: earlier snapshots of latest may still be read
			// outside the lock.
			if s.latest != nil {
				l := *s.latest
				l.Pickup, l.Drop = &pickup, &drop
				s.latest = &l
			}
		}()
	})
}

// send delivers n without blocking, discarding the oldest pending
// notification when the subscriber falls behind.
func send(ch chan Notification, n Notification) {
	select {
	case ch <- n:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- n:
	default:
	}
}

// Subscribe streams notifications for observerID until the ride finishes or
// cancel is called. A subscriber joining after the first update gets the
// latest one straight away.
func (s *Session) Subscribe(observerID string) (<-chan Notification, func()) {
	ch := make(chan Notification, 8)

	s.mu.Lock()
	if s.finished {
		if s.latest != nil {
			n := Notification{Update: *s.latest}
			if nav, ok := s.navs[observerID]; ok {
				n.Navigation = &nav
			}
			ch <- n
		}
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscriber{observerID: observerID, ch: ch}
	if s.latest != nil {
		ch <- Notification{Update: *s.latest}
	}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			close(sub.ch)
			delete(s.subs, id)
		}
	}
}

// Latest returns the most recent update.
func (s *Session) Latest() (models.Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return models.Update{}, false
	}
	return *s.latest, true
}

// Navigation returns where observerID should go once the ride completed.
func (s *Session) Navigation(observerID string) (models.Navigation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nav, ok := s.navs[observerID]
	return nav, ok
}

func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Session) addObserver(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[id] = struct{}{}
}

// removeObserver returns how many observers remain.
func (s *Session) removeObserver(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, id)
	return len(s.observers)
}

func (s *Session) hasObserver(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.observers[id]
	return ok
}

// Observers lists observer ids in order.
func (s *Session) Observers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.observers))
	for id := range s.observers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		RideID:    s.rideID,
		Status:    s.lastStatus,
		Observers: len(s.observers),
		Finished:  s.finished,
	}
	if s.latest != nil {
		u := *s.latest
		info.Latest = &u
	}
	return info
}

// Stop cancels polling, waits for in-flight work and closes subscriptions.
// It is safe to call more than once.
func (s *Session) Stop() {
	s.stop.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
		s.wg.Wait()

		s.mu.Lock()
		for id, sub := range s.subs {
			close(sub.ch)
			delete(s.subs, id)
		}
		finished := s.finished
		s.mu.Unlock()

		if !finished {
			if s.deps.Index != nil {
				s.deps.Index.Remove(s.rideID)
			}
			s.deps.Simulator.Reset(s.rideID)
		}
		s.logger.Debug("tracking session stopped")
	})
}
