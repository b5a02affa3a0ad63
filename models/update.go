package models

import (
	"fmt"
	"time"
)

// Update is the derived view of a ride after one applied poll.
type Update struct {
	Seq          uint64       `json:"seq"`
	RideID       string       `json:"ride_id"`
	Status       RideStatus   `json:"status"`
	Target       Coordinate   `json:"target"`
	Vehicle      Coordinate   `json:"vehicle"`
	DistanceKm   float64      `json:"distance_km"`
	BearingDeg   float64      `json:"bearing_deg"`
	ETA          string       `json:"eta"`
	Arrived      bool         `json:"arrived"`
	VehicleLabel string       `json:"vehicle_label"`
	Pickup       *AddressInfo `json:"pickup,omitempty"`
	Drop         *AddressInfo `json:"drop,omitempty"`
	At           time.Time    `json:"at"`
}

// Navigation is the one-time redirect an observer gets when a ride completes.
type Navigation struct {
	ObserverID string `json:"observer_id"`
	Role       Role   `json:"role"`
	Path       string `json:"path"`
}

// CompletionNavigation picks the page each role lands on after a ride.
func CompletionNavigation(rideID, observerID string, role Role) Navigation {
	path := "/my-rides"
	if role == RolePassenger {
		path = fmt.Sprintf("/ride/%s/payment", rideID)
	}
	return Navigation{ObserverID: observerID, Role: role, Path: path}
}
