package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkpoint-tracking/models"
)

var errForbidden = errors.New("forbidden")

type fetcherPool struct {
	mu      sync.Mutex
	tokens  []string
	fetcher *scriptedFetcher
	// rejected tokens get a fetcher that always fails.
	rejected map[string]bool
}

func (p *fetcherPool) factory(token string) RideFetcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	if p.rejected[token] {
		return &scriptedFetcher{err: errForbidden}
	}
	return p.fetcher
}

func (p *fetcherPool) issued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

func newTestManager(t *testing.T, status models.RideStatus, opts Options) (*Manager, *fetcherPool, testDeps) {
	t.Helper()
	td := newTestDeps()
	pool := &fetcherPool{fetcher: &scriptedFetcher{status: status}}
	m := NewManager(context.Background(), opts, td.deps, pool.factory, nil)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, pool, td
}

func TestAttachValidatesInput(t *testing.T) {
	m, _, _ := newTestManager(t, models.StatusConfirmed, Options{PollInterval: time.Hour})

	_, err := m.Attach(AttachRequest{RideID: "not-a-uuid", ObserverID: driverID})
	assert.ErrorIs(t, err, ErrInvalidRideID)

	bad := models.Coordinate{Latitude: 91}
	_, err = m.Attach(AttachRequest{RideID: rideID, ObserverID: driverID, Start: &bad})
	assert.ErrorIs(t, err, models.ErrInvalidLatitude)
	assert.Equal(t, 0, m.Len())
}

func TestAttachIsIdempotent(t *testing.T) {
	m, pool, _ := newTestManager(t, models.StatusConfirmed, Options{PollInterval: time.Hour})

	s1, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: driverID, Token: "driver-token"})
	require.NoError(t, err)
	s2, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: driverID, Token: "driver-token"})
	require.NoError(t, err)
	s3, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: riderID, Token: "rider-token"})
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Same(t, s1, s3)
	assert.Equal(t, []string{driverID, riderID}, s1.Observers())
	assert.Equal(t, []string{"driver-token", "rider-token"}, pool.issued(), "one poller per ride; the joiner is checked once with their own token")
	assert.Equal(t, 1, m.Len())
}

func TestAttachChecksJoinerToken(t *testing.T) {
	m, pool, _ := newTestManager(t, models.StatusConfirmed, Options{PollInterval: time.Hour})
	pool.rejected = map[string]bool{"stranger-token": true}

	s, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: driverID, Token: "driver-token"})
	require.NoError(t, err)

	_, err = m.Attach(AttachRequest{RideID: rideID, ObserverID: "stranger", Token: "stranger-token"})
	assert.ErrorIs(t, err, errForbidden)
	assert.False(t, s.hasObserver("stranger"))

	_, err = m.Attach(AttachRequest{RideID: rideID, ObserverID: riderID, Token: "rider-token"})
	require.NoError(t, err)
	assert.Equal(t, []string{driverID, riderID}, s.Observers())
	assert.Equal(t, []string{"driver-token", "stranger-token", "rider-token"}, pool.issued())
}

func TestDetachStopsWhenNobodyWatches(t *testing.T) {
	m, _, td := newTestManager(t, models.StatusConfirmed, Options{PollInterval: 5 * time.Millisecond})

	s, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: driverID})
	require.NoError(t, err)
	_, err = m.Attach(AttachRequest{RideID: rideID, ObserverID: riderID})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := s.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Detach(rideID, driverID))
	_, ok := m.Get(rideID)
	assert.True(t, ok)

	assert.ErrorIs(t, m.Detach(rideID, "stranger"), ErrObserverNotFound)
	require.NoError(t, m.Detach(rideID, riderID))

	_, ok = m.Get(rideID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
	_, indexed := td.index.get(rideID)
	assert.False(t, indexed)
	assert.Equal(t, 0, td.deps.Simulator.Len())

	assert.ErrorIs(t, m.Detach(rideID, riderID), ErrSessionNotFound)
}

func TestCompletedSessionIsRetired(t *testing.T) {
	m, pool, _ := newTestManager(t, models.StatusInProgress, Options{PollInterval: 5 * time.Millisecond})

	s, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: riderID})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := s.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	pool.fetcher.set(models.StatusCompleted)
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	got, ok := m.Get(rideID)
	require.True(t, ok, "finished sessions stay readable")
	assert.True(t, got.Finished())
	nav, ok := got.Navigation(riderID)
	require.True(t, ok)
	assert.Equal(t, "/ride/"+rideID+"/payment", nav.Path)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Finished)
	assert.Equal(t, models.StatusCompleted, infos[0].Status)

	// Past retention the record is purged.
	m.mu.Lock()
	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	m.mu.Unlock()
	_, ok = m.Get(rideID)
	assert.False(t, ok)
}

func TestDetachFromRetiredSession(t *testing.T) {
	m, _, _ := newTestManager(t, models.StatusCompleted, Options{PollInterval: 5 * time.Millisecond})

	_, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: driverID})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Detach(rideID, driverID))
	_, ok := m.Get(rideID)
	assert.False(t, ok)
}

func TestShutdownStopsAllSessions(t *testing.T) {
	m, _, _ := newTestManager(t, models.StatusConfirmed, Options{PollInterval: 5 * time.Millisecond})

	_, err := m.Attach(AttachRequest{RideID: rideID, ObserverID: driverID})
	require.NoError(t, err)
	_, err = m.Attach(AttachRequest{RideID: otherRide, ObserverID: driverID})
	require.NoError(t, err)
	assert.Len(t, m.List(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.Len())
}

func TestValidRideID(t *testing.T) {
	assert.True(t, ValidRideID(rideID))
	assert.False(t, ValidRideID(""))
	assert.False(t, ValidRideID("ride-1"))
}
