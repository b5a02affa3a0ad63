// Package backend talks to the CheckPoint REST API on behalf of an observer.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"checkpoint-tracking/httputil"
	"checkpoint-tracking/models"
)

// BookingAccepted is the booking status that binds a passenger to a ride.
const BookingAccepted = "ACCEPTED"

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is an unauthenticated API client. Use ForToken to act as a user.
type Client struct {
	baseURL    string
	timeout    time.Duration
	base       http.RoundTripper
	httpClient *http.Client
	logger     logrus.FieldLogger

	passengers *sync.Map // ride id -> accepted passenger id
}

func NewClient(cfg Config, logger logrus.FieldLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		base:       http.DefaultTransport,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		passengers: &sync.Map{},
	}
}

// ForToken returns a copy of c that sends token as a bearer credential.
func (c *Client) ForToken(token string) *Client {
	cp := *c
	if token == "" {
		return &cp
	}
	cp.httpClient = &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.base,
		},
	}
	return &cp
}

type userInfo struct {
	ID             string                 `json:"id"`
	FirstName      string                 `json:"firstName"`
	LastName       string                 `json:"lastName"`
	VehicleDetails *models.VehicleDetails `json:"vehicleDetails,omitempty"`
}

type rideResponse struct {
	ID             string                 `json:"id"`
	Driver         *userInfo              `json:"driver"`
	Passenger      *userInfo              `json:"passenger,omitempty"`
	VehicleDetails *models.VehicleDetails `json:"vehicleDetails,omitempty"`
	StartLatitude  float64                `json:"startLatitude"`
	StartLongitude float64                `json:"startLongitude"`
	EndLatitude    float64                `json:"endLatitude"`
	EndLongitude   float64                `json:"endLongitude"`
	Status         string                 `json:"status"`
}

// Booking is one entry of GET /bookings/my-bookings.
type Booking struct {
	ID        string    `json:"id"`
	RideID    string    `json:"rideId"`
	Status    string    `json:"status"`
	Passenger *userInfo `json:"passenger"`
}

func (r *rideResponse) snapshot() (*models.RideSnapshot, error) {
	status, err := models.ParseRideStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("ride %s: %w: %q", r.ID, err, r.Status)
	}

	snap := &models.RideSnapshot{
		ID:     r.ID,
		Status: status,
		Start:  models.Coordinate{Latitude: r.StartLatitude, Longitude: r.StartLongitude},
		End:    models.Coordinate{Latitude: r.EndLatitude, Longitude: r.EndLongitude},
	}
	if r.Driver != nil {
		snap.DriverID = r.Driver.ID
		snap.Vehicle = r.Driver.VehicleDetails
	}
	if snap.Vehicle == nil {
		snap.Vehicle = r.VehicleDetails
	}
	if r.Passenger != nil {
		snap.PassengerID = r.Passenger.ID
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// FetchRide loads GET /rides/{id}.
func (c *Client) FetchRide(ctx context.Context, rideID string) (*models.RideSnapshot, error) {
	var resp rideResponse
	if err := c.do(ctx, http.MethodGet, "/rides/"+rideID, nil, &resp); err != nil {
		return nil, err
	}
	snap, err := resp.snapshot()
	if err != nil {
		return nil, err
	}

	if snap.PassengerID == "" {
		snap.PassengerID = c.acceptedPassenger(ctx, rideID)
	}
	return snap, nil
}

// acceptedPassenger finds the passenger from the caller's bookings. Lookup
// failures are logged and leave the passenger unknown.
func (c *Client) acceptedPassenger(ctx context.Context, rideID string) string {
	if v, ok := c.passengers.Load(rideID); ok {
		return v.(string)
	}

	bookings, err := c.MyBookings(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("ride_id", rideID).Debug("could not load bookings")
		return ""
	}
	for _, b := range bookings {
		if b.RideID == rideID && b.Status == BookingAccepted && b.Passenger != nil {
			c.passengers.Store(rideID, b.Passenger.ID)
			return b.Passenger.ID
		}
	}
	return ""
}

// StartRide moves a ride to IN_PROGRESS.
func (c *Client) StartRide(ctx context.Context, rideID string) (*models.RideSnapshot, error) {
	return c.transition(ctx, rideID, "start")
}

// CompleteRide moves a ride to COMPLETED.
func (c *Client) CompleteRide(ctx context.Context, rideID string) (*models.RideSnapshot, error) {
	return c.transition(ctx, rideID, "complete")
}

func (c *Client) transition(ctx context.Context, rideID, action string) (*models.RideSnapshot, error) {
	var resp rideResponse
	if err := c.do(ctx, http.MethodPatch, "/rides/"+rideID+"/"+action, nil, &resp); err != nil {
		return nil, err
	}
	return resp.snapshot()
}

func (c *Client) MyBookings(ctx context.Context) ([]Booking, error) {
	var out []Booking
	if err := c.do(ctx, http.MethodGet, "/bookings/my-bookings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type locationUpdate struct {
	RideID    string  `json:"rideId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ReportLocation posts the driver's position.
func (c *Client) ReportLocation(ctx context.Context, rideID string, at models.Coordinate) error {
	body := locationUpdate{RideID: rideID, Latitude: at.Latitude, Longitude: at.Longitude}
	return c.do(ctx, http.MethodPost, "/location/update", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
