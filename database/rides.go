package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkpoint-tracking/models"
)

var ErrRideNotFound = errors.New("ride not found")

const rideQuery = `
SELECT r.id, r.status,
       r.start_latitude, r.start_longitude, r.end_latitude, r.end_longitude,
       r.driver_id,
       u.vehicle_model, u.vehicle_number, u.vehicle_color, u.is_verified,
       (SELECT b.passenger_id FROM bookings b
         WHERE b.ride_id = r.id AND b.status = 'ACCEPTED'
         ORDER BY b.created_at LIMIT 1)
  FROM rides r
  LEFT JOIN users u ON u.id = r.driver_id
 WHERE r.id = $1`

// RideRepository loads ride snapshots straight from the backend's tables.
type RideRepository struct {
	db *sql.DB
}

func NewRideRepository(db *sql.DB) *RideRepository {
	return &RideRepository{db: db}
}

type rideRow struct {
	ID, Status           string
	StartLat, StartLng   float64
	EndLat, EndLng       float64
	DriverID             sql.NullString
	Model, Number, Color sql.NullString
	Verified             sql.NullBool
	PassengerID          sql.NullString
}

func (r rideRow) snapshot() (*models.RideSnapshot, error) {
	status, err := models.ParseRideStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("ride %s: %w: %q", r.ID, err, r.Status)
	}

	snap := &models.RideSnapshot{
		ID:          r.ID,
		Status:      status,
		Start:       models.Coordinate{Latitude: r.StartLat, Longitude: r.StartLng},
		End:         models.Coordinate{Latitude: r.EndLat, Longitude: r.EndLng},
		DriverID:    r.DriverID.String,
		PassengerID: r.PassengerID.String,
	}
	if r.Model.String != "" || r.Number.String != "" {
		snap.Vehicle = &models.VehicleDetails{
			Model:    r.Model.String,
			Number:   r.Number.String,
			Color:    r.Color.String,
			Verified: r.Verified.Bool,
		}
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// FetchRide implements the tracker's ride source over Postgres.
func (repo *RideRepository) FetchRide(ctx context.Context, rideID string) (*models.RideSnapshot, error) {
	var row rideRow
	err := repo.db.QueryRowContext(ctx, rideQuery, rideID).Scan(
		&row.ID, &row.Status,
		&row.StartLat, &row.StartLng, &row.EndLat, &row.EndLng,
		&row.DriverID,
		&row.Model, &row.Number, &row.Color, &row.Verified,
		&row.PassengerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRideNotFound, rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("query ride %s: %w", rideID, err)
	}
	return row.snapshot()
}
