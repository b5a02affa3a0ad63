package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"checkpoint-tracking/geo"
	"checkpoint-tracking/geoindex"
	"checkpoint-tracking/httputil"
	"checkpoint-tracking/models"
	"checkpoint-tracking/tracking"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes. Upstream failures keep
// the upstream status when it is a client error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tracking.ErrInvalidRideID),
		errors.Is(err, models.ErrInvalidLatitude),
		errors.Is(err, models.ErrInvalidLongitude):
		return http.StatusBadRequest
	case errors.Is(err, errMissingToken), errors.Is(err, errMissingObserver):
		return http.StatusUnauthorized
	case errors.Is(err, tracking.ErrSessionNotFound),
		errors.Is(err, tracking.ErrObserverNotFound),
		errors.Is(err, geoindex.ErrNoneNearby):
		return http.StatusNotFound
	}
	if code := httputil.StatusCode(err); code >= 400 && code < 500 {
		return code
	} else if code >= 500 {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func rideIDFrom(r *http.Request) (string, error) {
	id := mux.Vars(r)["ride_id"]
	if !tracking.ValidRideID(id) {
		return "", tracking.ErrInvalidRideID
	}
	return id, nil
}

func parseCoordinate(latStr, lngStr string) (models.Coordinate, error) {
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return models.Coordinate{}, models.ErrInvalidLatitude
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return models.Coordinate{}, models.ErrInvalidLongitude
	}
	c := models.Coordinate{Latitude: lat, Longitude: lng}
	return c, c.Validate()
}

// Health answers liveness probes.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

type attachRequest struct {
	ObserverID string             `json:"observer_id"`
	Start      *models.Coordinate `json:"start"`
}

// AttachObserver starts tracking a ride for the calling observer.
func (s *Server) AttachObserver(w http.ResponseWriter, r *http.Request) {
	rideID, err := rideIDFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	token := bearerToken(r)
	observer, err := observerID(req.ObserverID, token)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	session, err := s.cfg.Manager.Attach(tracking.AttachRequest{
		RideID:     rideID,
		ObserverID: observer,
		Token:      token,
		Start:      req.Start,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	s.logger.WithFields(logrus.Fields{"ride_id": rideID, "observer_id": observer}).Info("observer attached")
	writeJSON(w, http.StatusOK, session.Info())
}

type trackingResponse struct {
	tracking.Info
	Navigation *models.Navigation `json:"navigation,omitempty"`
}

// GetTracking returns the session summary with its latest update and, once
// the ride completed, where the observer should navigate.
func (s *Server) GetTracking(w http.ResponseWriter, r *http.Request) {
	rideID, err := rideIDFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, ok := s.cfg.Manager.Get(rideID)
	if !ok {
		writeError(w, http.StatusNotFound, tracking.ErrSessionNotFound.Error())
		return
	}

	resp := trackingResponse{Info: session.Info()}
	if observer, err := observerID(r.URL.Query().Get("observer_id"), bearerToken(r)); err == nil {
		if nav, ok := session.Navigation(observer); ok {
			resp.Navigation = &nav
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DetachObserver stops tracking for the calling observer.
func (s *Server) DetachObserver(w http.ResponseWriter, r *http.Request) {
	rideID, err := rideIDFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	observer, err := observerID(r.URL.Query().Get("observer_id"), bearerToken(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if err := s.cfg.Manager.Detach(rideID, observer); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListTracking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.cfg.Manager.List()})
}

// Nearby lists tracked vehicles around a point, widening the radius until
// something is found.
func (s *Server) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	center, err := parseCoordinate(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	radius := s.cfg.NearbyRadiusKm
	if raw := q.Get("radius_km"); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || radius <= 0 {
			writeError(w, http.StatusBadRequest, "radius_km must be a positive number")
			return
		}
	}

	hits, err := geoindex.SearchNearbyWithRetries(s.cfg.Index, center, radius, s.cfg.NearbyMaxRetries)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vehicles": hits})
}

func (s *Server) StartRide(w http.ResponseWriter, r *http.Request) {
	s.rideAction(w, r, "start", RideActions.StartRide)
}

func (s *Server) CompleteRide(w http.ResponseWriter, r *http.Request) {
	s.rideAction(w, r, "complete", RideActions.CompleteRide)
}

func (s *Server) rideAction(w http.ResponseWriter, r *http.Request, action string,
	call func(RideActions, context.Context, string) (*models.RideSnapshot, error)) {
	rideID, err := rideIDFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errMissingToken.Error())
		return
	}

	ride, err := call(s.cfg.Rides(token), r.Context(), rideID)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"ride_id": rideID, "action": action}).Warn("ride action failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type distanceRequest struct {
	From models.Coordinate `json:"from"`
	To   models.Coordinate `json:"to"`
}

type distanceResponse struct {
	DistanceKm float64 `json:"distance_km"`
	BearingDeg float64 `json:"bearing_deg"`
	ETA        string  `json:"eta"`
}

// Distance reports the great-circle distance, bearing and ETA between two points.
func (s *Server) Distance(w http.ResponseWriter, r *http.Request) {
	var req distanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	for _, c := range []models.Coordinate{req.From, req.To} {
		if err := c.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	d := geo.DistanceKm(req.From, req.To)
	writeJSON(w, http.StatusOK, distanceResponse{
		DistanceKm: d,
		BearingDeg: geo.BearingDegrees(req.From, req.To),
		ETA:        geo.ETALabel(d, s.cfg.SpeedKmh),
	})
}

// ReverseGeocode labels a point. It never fails once the point is valid:
// lookups that go wrong fall back to the formatted coordinates.
func (s *Server) ReverseGeocode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := parseCoordinate(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Addresses.Resolve(r.Context(), c))
}
