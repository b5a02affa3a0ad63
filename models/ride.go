package models

import (
	"errors"
	"fmt"
	"strings"
)

// RideStatus mirrors the backend's ride status enum.
type RideStatus string

const (
	StatusAvailable  RideStatus = "AVAILABLE"
	StatusRequested  RideStatus = "REQUESTED"
	StatusConfirmed  RideStatus = "CONFIRMED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

var ErrInvalidStatus = errors.New("invalid ride status")

// ParseRideStatus normalizes and validates a status string.
func ParseRideStatus(in string) (RideStatus, error) {
	status := RideStatus(strings.ToUpper(strings.TrimSpace(in)))
	switch status {
	case StatusAvailable, StatusRequested, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Terminal reports whether tracking stops at this status.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Tracked reports whether the status has a movement target.
func (s RideStatus) Tracked() bool {
	return s == StatusConfirmed || s == StatusInProgress
}

// VehicleDetails is the driver's registered vehicle.
type VehicleDetails struct {
	Model    string `json:"vehicleModel"`
	Number   string `json:"vehicleNumber"`
	Color    string `json:"vehicleColor"`
	Verified bool   `json:"isVerified"`
}

// RideSnapshot is one fetch of a ride. It is never mutated after ingestion.
type RideSnapshot struct {
	ID          string          `json:"id"`
	Status      RideStatus      `json:"status"`
	Start       Coordinate      `json:"start"`
	End         Coordinate      `json:"end"`
	DriverID    string          `json:"driver_id"`
	PassengerID string          `json:"passenger_id,omitempty"`
	Vehicle     *VehicleDetails `json:"vehicle,omitempty"` // nil when the driver has not set one
}

// Validate checks both endpoints.
func (r *RideSnapshot) Validate() error {
	if err := r.Start.Validate(); err != nil {
		return fmt.Errorf("ride %s start: %w", r.ID, err)
	}
	if err := r.End.Validate(); err != nil {
		return fmt.Errorf("ride %s end: %w", r.ID, err)
	}
	return nil
}

// Target returns the point the vehicle is heading to: pickup while CONFIRMED,
// destination while IN_PROGRESS.
func (r *RideSnapshot) Target() (Coordinate, bool) {
	switch r.Status {
	case StatusConfirmed:
		return r.Start, true
	case StatusInProgress:
		return r.End, true
	}
	return Coordinate{}, false
}

// VehicleLabel renders the vehicle for display.
func (r *RideSnapshot) VehicleLabel() string {
	if r.Vehicle == nil || (r.Vehicle.Model == "" && r.Vehicle.Number == "") {
		return "Vehicle details not available"
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Vehicle.Color, r.Vehicle.Model} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	label := strings.Join(parts, " ")
	if r.Vehicle.Number != "" {
		if label == "" {
			return r.Vehicle.Number
		}
		label += " (" + r.Vehicle.Number + ")"
	}
	return label
}

// Role is the observer's part in a ride.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
	// RoleNone is an observer who is neither driver nor passenger.
	RoleNone Role = ""
)

// RoleFor matches the observer against the ride's driver and passenger.
func RoleFor(r *RideSnapshot, observerID string) Role {
	switch {
	case observerID == "":
		return RoleNone
	case observerID == r.DriverID:
		return RoleDriver
	case observerID == r.PassengerID:
		return RolePassenger
	}
	return RoleNone
}
