// Package geocode resolves coordinates to addresses through a Nominatim server.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"checkpoint-tracking/httputil"
	"checkpoint-tracking/models"
)

const (
	DefaultBaseURL   = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "CheckPoint-Tracking/1.0"
	DefaultLanguage  = "en"
)

// ErrNoResult is returned when the server answers without an address.
var ErrNoResult = errors.New("geocode: no result for coordinate")

// Config configures a Client.
type Config struct {
	BaseURL       string
	UserAgent     string
	Language      string
	Timeout       time.Duration
	RatePerSecond float64
}

// Client is a reverse-geocoding client for the Nominatim API.
type Client struct {
	baseURL    string
	userAgent  string
	language   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logrus.FieldLogger
}

// NewClient builds a Client. Nominatim's usage policy allows one request per second.
func NewClient(cfg Config, logger logrus.FieldLogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		language:   cfg.Language,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:     logger,
	}
}

// Response is the subset of the reverse endpoint's JSON the tracker reads.
type Response struct {
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
	Error       string  `json:"error,omitempty"`
}

// Address holds the addressdetails fields.
type Address struct {
	Amenity       string `json:"amenity"`
	Shop          string `json:"shop"`
	Building      string `json:"building"`
	Road          string `json:"road"`
	Neighbourhood string `json:"neighbourhood"`
	Suburb        string `json:"suburb"`
	City          string `json:"city"`
	Town          string `json:"town"`
	Village       string `json:"village"`
	State         string `json:"state"`
	Postcode      string `json:"postcode"`
	Country       string `json:"country"`
}

// Reverse looks up the address at c.
func (c *Client) Reverse(ctx context.Context, coord models.Coordinate) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geocode: rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("format", "json")
	q.Set("lat", strconv.FormatFloat(coord.Latitude, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(coord.Longitude, 'f', 6, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")
	endpoint := c.baseURL + "/reverse?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", c.language)

	c.logger.WithFields(logrus.Fields{
		"latitude":  coord.Latitude,
		"longitude": coord.Longitude,
	}).Debug("reverse geocoding")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode: request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		return nil, err
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("geocode: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, out.Error)
	}

	return &out, nil
}

// PlaceName returns the most specific named feature, or "Unknown Place".
// Priority: amenity > shop > building > road > neighbourhood > suburb.
func (r *Response) PlaceName() string {
	a := r.Address
	for _, v := range []string{a.Amenity, a.Shop, a.Building, a.Road, a.Neighbourhood, a.Suburb} {
		if v != "" {
			return v
		}
	}
	return "Unknown Place"
}

// CityName returns the city, town or village.
func (a Address) CityName() string {
	if a.City != "" {
		return a.City
	}
	if a.Town != "" {
		return a.Town
	}
	return a.Village
}

// FullAddress joins the address parts, falling back to display_name.
func (r *Response) FullAddress() string {
	a := r.Address
	locality := a.Neighbourhood
	if locality == "" {
		locality = a.Suburb
	}

	parts := make([]string, 0, 6)
	for _, v := range []string{a.Road, locality, a.CityName(), a.State, a.Postcode, a.Country} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return r.DisplayName
	}
	return strings.Join(parts, ", ")
}

// AddressInfo converts the response to the tracker's label.
func (r *Response) AddressInfo() models.AddressInfo {
	return models.AddressInfo{
		PlaceName:   r.PlaceName(),
		FullAddress: r.FullAddress(),
		City:        r.Address.CityName(),
		State:       r.Address.State,
	}
}
