package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
)

// Coordinate is a WGS-84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the latitude/longitude ranges. NaN fails both checks.
func (c Coordinate) Validate() error {
	if !(c.Latitude >= -90 && c.Latitude <= 90) {
		return ErrInvalidLatitude
	}
	if !(c.Longitude >= -180 && c.Longitude <= 180) {
		return ErrInvalidLongitude
	}
	return nil
}

// String renders the coordinate the way it is shown when no address is known.
func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f, %.6f", c.Latitude, c.Longitude)
}
