package database

import (
	"context"
	"database/sql"
	"fmt"

	"checkpoint-tracking/models"
)

const insertTrackPoint = `
INSERT INTO ride_track_points
    (ride_id, seq, status, latitude, longitude, distance_km, arrived, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// TrailRecorder appends every simulated vehicle position to ride_track_points.
type TrailRecorder struct {
	db *sql.DB
}

func NewTrailRecorder(db *sql.DB) *TrailRecorder {
	return &TrailRecorder{db: db}
}

func (t *TrailRecorder) Record(ctx context.Context, u models.Update) error {
	_, err := t.db.ExecContext(ctx, insertTrackPoint,
		u.RideID, int64(u.Seq), string(u.Status),
		u.Vehicle.Latitude, u.Vehicle.Longitude,
		u.DistanceKm, u.Arrived, u.At,
	)
	if err != nil {
		return fmt.Errorf("record track point %s#%d: %w", u.RideID, u.Seq, err)
	}
	return nil
}

// Trail returns a ride's recorded points in order.
func (t *TrailRecorder) Trail(ctx context.Context, rideID string) ([]models.Coordinate, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT latitude, longitude FROM ride_track_points WHERE ride_id = $1 ORDER BY recorded_at, id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("query trail %s: %w", rideID, err)
	}
	defer rows.Close()

	var out []models.Coordinate
	for rows.Next() {
		var c models.Coordinate
		if err := rows.Scan(&c.Latitude, &c.Longitude); err != nil {
			return nil, fmt.Errorf("scan trail %s: %w", rideID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
