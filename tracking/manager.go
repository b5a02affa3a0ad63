package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"checkpoint-tracking/models"
)

// AttachRequest adds an observer to a ride's session.
type AttachRequest struct {
	RideID     string
	ObserverID string
	// Token is the observer's bearer token. The session that Attach starts
	// polls with the token of its first observer; later observers are
	// checked with one fetch of their own.
	Token string
	// Start overrides where the vehicle is first placed.
	Start *models.Coordinate
}

type retired struct {
	session *Session
	at      time.Time
}

// Manager owns one session per tracked ride.
type Manager struct {
	opts      Options
	deps      Deps
	fetchers  FetcherFactory
	reporters ReporterFactory
	logger    logrus.FieldLogger
	ctx       context.Context
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	retired  map[string]retired
}

// NewManager builds a Manager. reporters may be nil.
func NewManager(ctx context.Context, opts Options, deps Deps, fetchers FetcherFactory, reporters ReporterFactory) *Manager {
	deps = deps.withDefaults()
	return &Manager{
		opts:      opts.withDefaults(),
		deps:      deps,
		fetchers:  fetchers,
		reporters: reporters,
		logger:    deps.Logger,
		ctx:       ctx,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		retired:   make(map[string]retired),
	}
}

// ValidRideID reports whether id is a UUID, the backend's ride id format.
func ValidRideID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Attach registers the observer, starting the ride's session if none is
// running. Attaching the same observer twice is a no-op.
func (m *Manager) Attach(req AttachRequest) (*Session, error) {
	if !ValidRideID(req.RideID) {
		return nil, ErrInvalidRideID
	}
	if req.Start != nil {
		if err := req.Start.Validate(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[req.RideID]
	if ok && !s.hasObserver(req.ObserverID) {
		// The poller uses the first observer's token, so a joiner proves
		// access with one fetch of their own.
		m.mu.Unlock()
		err := m.checkAccess(req)
		m.mu.Lock()
		if err != nil {
			return nil, err
		}
		s, ok = m.sessions[req.RideID]
	}
	if ok {
		s.addObserver(req.ObserverID)
		return s, nil
	}

	cfg := sessionConfig{
		rideID:  req.RideID,
		ownerID: req.ObserverID,
		fetcher: m.fetchers(req.Token),
		start:   req.Start,
	}
	if m.opts.ReportLocation && m.reporters != nil {
		cfg.reporter = m.reporters(req.Token)
	}

	s = newSession(m.ctx, cfg, m.opts, m.deps)
	s.onTerminal = m.retire
	m.sessions[req.RideID] = s
	delete(m.retired, req.RideID)
	s.Start()

	m.logger.WithFields(logrus.Fields{"ride_id": req.RideID, "observer_id": req.ObserverID}).Info("tracking session started")
	return s, nil
}

func (m *Manager) checkAccess(req AttachRequest) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.FetchTimeout)
	defer cancel()
	if _, err := m.fetchers(req.Token).FetchRide(ctx, req.RideID); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{"ride_id": req.RideID, "observer_id": req.ObserverID}).Warn("observer rejected")
		return err
	}
	return nil
}

// Detach removes the observer. The session stops once nobody observes it.
func (m *Manager) Detach(rideID, observerID string) error {
	m.mu.Lock()
	if s, ok := m.sessions[rideID]; ok {
		if !s.hasObserver(observerID) {
			m.mu.Unlock()
			return ErrObserverNotFound
		}
		remaining := s.removeObserver(observerID)
		if remaining > 0 {
			m.mu.Unlock()
			return nil
		}
		delete(m.sessions, rideID)
		m.mu.Unlock()

		s.Stop()
		m.logger.WithField("ride_id", rideID).Info("tracking session stopped, no observers left")
		return nil
	}

	r, ok := m.retired[rideID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if !r.session.hasObserver(observerID) {
		m.mu.Unlock()
		return ErrObserverNotFound
	}
	if r.session.removeObserver(observerID) == 0 {
		delete(m.retired, rideID)
	}
	m.mu.Unlock()
	return nil
}

// retire moves a finished session out of the active set. Its final update and
// navigation stay readable for RetainFinished.
func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.rideID]; ok && cur == s {
		delete(m.sessions, s.rideID)
		m.retired[s.rideID] = retired{session: s, at: m.now()}
	}
	m.mu.Unlock()

	s.Stop()
}

// purge drops retired sessions past retention. Caller holds m.mu.
func (m *Manager) purge() {
	cutoff := m.now().Add(-m.opts.RetainFinished)
	for id, r := range m.retired {
		if r.at.Before(cutoff) {
			delete(m.retired, id)
		}
	}
}

// Get returns the running or recently finished session for rideID.
func (m *Manager) Get(rideID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge()

	if s, ok := m.sessions[rideID]; ok {
		return s, true
	}
	if r, ok := m.retired[rideID]; ok {
		return r.session, true
	}
	return nil, false
}

// List summarizes every known session, sorted by ride id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	m.purge()
	sessions := make([]*Session, 0, len(m.sessions)+len(m.retired))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	for _, r := range m.retired {
		sessions = append(sessions, r.session)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RideID < out[j].RideID })
	return out
}

// Len is the number of running sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every session, giving up when ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		m.logger.WithField("sessions", len(sessions)).Info("tracking sessions stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
