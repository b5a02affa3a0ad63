package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkpoint-tracking/geo"
	"checkpoint-tracking/geoindex"
	"checkpoint-tracking/httputil"
	"checkpoint-tracking/models"
	"checkpoint-tracking/tracking"
)

const (
	rideID   = "6f1c2d3e-4a5b-4c6d-8e7f-9a0b1c2d3e4f"
	driverID = "driver-1"
	riderID  = "passenger-1"
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

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type fakeFetcher struct {
	mu     sync.Mutex
	status models.RideStatus
}

func (f *fakeFetcher) set(status models.RideStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeFetcher) FetchRide(ctx context.Context, id string) (*models.RideSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.RideSnapshot{
		ID:          id,
		Status:      f.status,
		Start:       pickup,
		End:         destination,
		DriverID:    driverID,
		PassengerID: riderID,
	}, nil
}

type fakeAddresses struct{}

func (fakeAddresses) Resolve(ctx context.Context, c models.Coordinate) models.AddressInfo {
	return models.AddressInfo{PlaceName: "MG Road", FullAddress: "MG Road, Bengaluru", City: "Bengaluru"}
}

type fakeRides struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (f *fakeRides) forToken(token string) RideActions {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f
}

func (f *fakeRides) StartRide(ctx context.Context, id string) (*models.RideSnapshot, error) {
	return f.snapshot(id, models.StatusInProgress)
}

func (f *fakeRides) CompleteRide(ctx context.Context, id string) (*models.RideSnapshot, error) {
	return f.snapshot(id, models.StatusCompleted)
}

func (f *fakeRides) snapshot(id string, status models.RideStatus) (*models.RideSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.RideSnapshot{ID: id, Status: status, Start: pickup, End: destination}, nil
}

type fixture struct {
	server  *Server
	handler http.Handler
	fetcher *fakeFetcher
	index   geoindex.Index
	rides   *fakeRides
}

func newFixture(t *testing.T, status models.RideStatus) *fixture {
	t.Helper()
	logger := quietLogger()
	fetcher := &fakeFetcher{status: status}
	index := geoindex.NewGeohashIndex(6)
	rides := &fakeRides{}

	manager := tracking.NewManager(context.Background(),
		tracking.Options{PollInterval: 20 * time.Millisecond},
		tracking.Deps{Index: index, Logger: logger},
		func(string) tracking.RideFetcher { return fetcher },
		nil,
	)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	s := NewServer(Config{
		Manager:           manager,
		Index:             index,
		Addresses:         fakeAddresses{},
		Rides:             rides.forToken,
		AnimationDuration: 40 * time.Millisecond,
		FrameInterval:     10 * time.Millisecond,
		Logger:            logger,
	})
	return &fixture{server: s, handler: RegisterRoutes(s), fetcher: fetcher, index: index, rides: rides}
}

func (f *fixture) do(method, target, token string, body interface{}) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	rec := f.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCORSHeaders(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAttachAndGetTracking(t *testing.T) {
	f := newFixture(t, models.StatusInProgress)
	token := signedToken(t, driverID)

	rec := f.do("POST", "/tracking/"+rideID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info tracking.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, rideID, info.RideID)
	assert.Equal(t, 1, info.Observers)

	var resp trackingResponse
	require.Eventually(t, func() bool {
		rec := f.do("GET", "/tracking/"+rideID, token, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		resp = trackingResponse{}
		return json.NewDecoder(rec.Body).Decode(&resp) == nil && resp.Latest != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.StatusInProgress, resp.Latest.Status)
	assert.Equal(t, destination, resp.Latest.Target)
	assert.Nil(t, resp.Navigation)
}

func TestAttachRejectsBadInput(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	token := signedToken(t, driverID)

	tests := []struct {
		name   string
		target string
		token  string
		body   interface{}
		want   int
	}{
		{"malformed ride id", "/tracking/42", token, nil, http.StatusBadRequest},
		{"no observer", "/tracking/" + rideID, "", nil, http.StatusUnauthorized},
		{"garbage token", "/tracking/" + rideID, "not-a-jwt", nil, http.StatusUnauthorized},
		{"start out of range", "/tracking/" + rideID, token,
			map[string]interface{}{"start": map[string]float64{"latitude": 91, "longitude": 0}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do("POST", tt.target, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, decodeError(t, rec))
		})
	}

	req := httptest.NewRequest("POST", "/tracking/"+rideID, strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachWithExplicitObserver(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)

	rec := f.do("POST", "/tracking/"+rideID, "", map[string]string{"observer_id": riderID})
	require.Equal(t, http.StatusOK, rec.Code)

	session, ok := f.server.cfg.Manager.Get(rideID)
	require.True(t, ok)
	assert.Equal(t, []string{riderID}, session.Observers())
}

func TestGetTrackingUnknownRide(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	rec := f.do("GET", "/tracking/"+rideID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTrackingNavigationAfterCompletion(t *testing.T) {
	f := newFixture(t, models.StatusInProgress)
	token := signedToken(t, riderID)
	require.Equal(t, http.StatusOK, f.do("POST", "/tracking/"+rideID, token, nil).Code)

	f.fetcher.set(models.StatusCompleted)

	var resp trackingResponse
	require.Eventually(t, func() bool {
		rec := f.do("GET", "/tracking/"+rideID, token, nil)
		resp = trackingResponse{}
		return json.NewDecoder(rec.Body).Decode(&resp) == nil && resp.Finished
	}, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, resp.Navigation)
	assert.Equal(t, models.RolePassenger, resp.Navigation.Role)
	assert.Equal(t, "/ride/"+rideID+"/payment", resp.Navigation.Path)
	assert.True(t, resp.Latest.Arrived)
}

func TestDetachObserver(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	token := signedToken(t, driverID)
	require.Equal(t, http.StatusOK, f.do("POST", "/tracking/"+rideID, token, nil).Code)

	rec := f.do("DELETE", "/tracking/"+rideID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.server.cfg.Manager.Len())

	rec = f.do("DELETE", "/tracking/"+rideID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do("DELETE", "/tracking/"+rideID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListTracking(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	require.Equal(t, http.StatusOK, f.do("POST", "/tracking/"+rideID, signedToken(t, driverID), nil).Code)

	rec := f.do("GET", "/tracking", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Sessions []tracking.Info `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, rideID, resp.Sessions[0].RideID)
}

func TestNearby(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	cubbon := models.Coordinate{Latitude: 12.9763, Longitude: 77.5929}
	f.index.Upsert(rideID, cubbon)

	tests := []struct {
		name   string
		query  string
		want   int
		expect int
	}{
		{"found within radius", "?lat=12.9716&lng=77.5946&radius_km=2", http.StatusOK, 1},
		{"found after widening", "?lat=12.9716&lng=77.5946&radius_km=0.2", http.StatusOK, 1},
		{"default radius", "?lat=12.9716&lng=77.5946", http.StatusOK, 1},
		{"nothing nearby", "?lat=48.8566&lng=2.3522&radius_km=1", http.StatusNotFound, 0},
		{"bad latitude", "?lat=abc&lng=77.5946", http.StatusBadRequest, 0},
		{"latitude out of range", "?lat=95&lng=77.5946", http.StatusBadRequest, 0},
		{"bad radius", "?lat=12.9716&lng=77.5946&radius_km=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do("GET", "/tracking/nearby"+tt.query, "", nil)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want != http.StatusOK {
				return
			}
			var resp struct {
				Vehicles []geoindex.Hit `json:"vehicles"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			require.Len(t, resp.Vehicles, tt.expect)
			assert.Equal(t, rideID, resp.Vehicles[0].RideID)
		})
	}
}

func TestRideActions(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)
	token := signedToken(t, driverID)

	rec := f.do("POST", "/rides/"+rideID+"/start", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ride models.RideSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ride))
	assert.Equal(t, models.StatusInProgress, ride.Status)

	rec = f.do("POST", "/rides/"+rideID+"/complete", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ride = models.RideSnapshot{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ride))
	assert.Equal(t, models.StatusCompleted, ride.Status)
	assert.Equal(t, []string{token, token}, f.rides.tokens)

	assert.Equal(t, http.StatusUnauthorized, f.do("POST", "/rides/"+rideID+"/start", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/rides/nope/start", token, nil).Code)
}

func TestRideActionUpstreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"forbidden passes through", &httputil.HTTPError{StatusCode: http.StatusForbidden}, http.StatusForbidden},
		{"not found passes through", &httputil.HTTPError{StatusCode: http.StatusNotFound}, http.StatusNotFound},
		{"server error is bad gateway", &httputil.HTTPError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{"transport error", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, models.StatusConfirmed)
			f.rides.err = tt.err
			rec := f.do("POST", "/rides/"+rideID+"/complete", signedToken(t, driverID), nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestDistance(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)

	rec := f.do("POST", "/distance", "", distanceRequest{From: pickup, To: destination})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp distanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.InDelta(t, geo.DistanceKm(pickup, destination), resp.DistanceKm, 1e-9)
	assert.InDelta(t, geo.BearingDegrees(pickup, destination), resp.BearingDeg, 1e-9)
	assert.Equal(t, geo.ETALabel(resp.DistanceKm, geo.DefaultSpeedKmh), resp.ETA)

	bad := distanceRequest{From: pickup, To: models.Coordinate{Latitude: 12, Longitude: 181}}
	rec = f.do("POST", "/distance", "", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.ErrInvalidLongitude.Error(), decodeError(t, rec))
}

func TestReverseGeocode(t *testing.T) {
	f := newFixture(t, models.StatusConfirmed)

	rec := f.do("GET", "/geocode/reverse?lat=12.9716&lng=77.5946", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info models.AddressInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "MG Road", info.PlaceName)

	rec = f.do("GET", "/geocode/reverse?lat=12.9716", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObserverID(t *testing.T) {
	token := signedToken(t, driverID)

	got, err := observerID("explicit", token)
	require.NoError(t, err)
	assert.Equal(t, "explicit", got)

	got, err = observerID("", token)
	require.NoError(t, err)
	assert.Equal(t, driverID, got)

	_, err = observerID("", "")
	assert.ErrorIs(t, err, errMissingObserver)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "driver"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = observerID("", noSub)
	assert.ErrorIs(t, err, errMissingObserver)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/tracking/x/ws?token=from-query", nil)
	assert.Equal(t, "from-query", bearerToken(req))

	req.Header.Set("Authorization", "bearer from-header")
	assert.Equal(t, "from-header", bearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "from-query", bearerToken(req))
}
