package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"checkpoint-tracking/geoindex"
	"checkpoint-tracking/models"
	"checkpoint-tracking/tracking"
)

// AddressResolver turns a point into an address label.
type AddressResolver interface {
	Resolve(ctx context.Context, c models.Coordinate) models.AddressInfo
}

// RideActions are the ride mutations a user can trigger.
type RideActions interface {
	StartRide(ctx context.Context, rideID string) (*models.RideSnapshot, error)
	CompleteRide(ctx context.Context, rideID string) (*models.RideSnapshot, error)
}

// Config wires a Server.
type Config struct {
	Manager   *tracking.Manager
	Index     geoindex.Index
	Addresses AddressResolver
	// Rides returns the mutations acting as the token's user.
	Rides func(token string) RideActions

	SpeedKmh          float64
	NearbyRadiusKm    float64
	NearbyMaxRetries  int
	AnimationDuration time.Duration
	FrameInterval     time.Duration

	AllowedOrigins []string
	// AccessLog receives combined-format request logs. Nil disables them.
	AccessLog io.Writer
	Logger    logrus.FieldLogger
}

// Server serves the tracking HTTP and WebSocket API.
type Server struct {
	cfg    Config
	logger logrus.FieldLogger
}

func NewServer(cfg Config) *Server {
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = tracking.DefaultOptions().SpeedKmh
	}
	if cfg.NearbyRadiusKm <= 0 {
		cfg.NearbyRadiusKm = 2
	}
	if cfg.NearbyMaxRetries <= 0 {
		cfg.NearbyMaxRetries = 3
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, logger: logger}
}

func RegisterRoutes(s *Server) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.Health).Methods("GET")

	// Tracking endpoints. nearby must be registered before {ride_id}.
	router.HandleFunc("/tracking", s.ListTracking).Methods("GET")
	router.HandleFunc("/tracking/nearby", s.Nearby).Methods("GET")
	router.HandleFunc("/tracking/{ride_id}", s.AttachObserver).Methods("POST")
	router.HandleFunc("/tracking/{ride_id}", s.GetTracking).Methods("GET")
	router.HandleFunc("/tracking/{ride_id}", s.DetachObserver).Methods("DELETE")
	router.HandleFunc("/tracking/{ride_id}/ws", s.StreamTracking).Methods("GET")

	// Ride lifecycle, forwarded to the CheckPoint API
	router.HandleFunc("/rides/{ride_id}/start", s.StartRide).Methods("POST")
	router.HandleFunc("/rides/{ride_id}/complete", s.CompleteRide).Methods("POST")

	router.HandleFunc("/distance", s.Distance).Methods("POST")
	router.HandleFunc("/geocode/reverse", s.ReverseGeocode).Methods("GET")

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	var h http.Handler = cors(router)
	if s.cfg.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(s.cfg.AccessLog, h)
	}
	return h
}
