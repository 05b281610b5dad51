package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides and assignment requests. The status
// compare-and-set relies on a conditional UPDATE: rows affected == 1
// means this writer won the transition.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(
			id, rider_id, driver_id, vehicle_class, status,
			pickup_lat, pickup_lon, pickup_address,
			dest_lat, dest_lon, dest_address,
			estimated_fare, currency, promo_code, loyalty_tier,
			payment_intent_id, created_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.RiderID, r.DriverID, r.VehicleClass, r.Status,
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lon, r.Destination.Address,
		r.EstimatedFare.Amount, r.EstimatedFare.Currency, r.PromoCode, r.LoyaltyTier,
		r.PaymentIntentID, r.CreatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, driver_id, vehicle_class, status,
		       pickup_lat, pickup_lon, pickup_address,
		       dest_lat, dest_lon, dest_address,
		       estimated_fare, final_fare, currency, promo_code, loyalty_tier,
		       payment_intent_id, created_at,
		       accepted_at, en_route_at, arrived_at, started_at, completed_at, cancelled_at,
		       cancellation_reason, cancelled_by, rejection_reason
		FROM rides WHERE id = $1`, id)

	var r models.Ride
	var driverID sql.NullString
	var finalFare sql.NullInt64
	var acceptedAt, enRouteAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.VehicleClass, &r.Status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address,
		&r.EstimatedFare.Amount, &finalFare, &r.EstimatedFare.Currency, &r.PromoCode, &r.LoyaltyTier,
		&r.PaymentIntentID, &r.CreatedAt,
		&acceptedAt, &enRouteAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt,
		&r.CancellationReason, &r.CancelledBy, &r.RejectionReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		r.DriverID = &driverID.String
	}
	if finalFare.Valid {
		r.FinalFare = &models.Money{Amount: finalFare.Int64, Currency: r.EstimatedFare.Currency}
	}
	r.AcceptedAt = nullTimePtr(acceptedAt)
	r.EnRouteAt = nullTimePtr(enRouteAt)
	r.ArrivedAt = nullTimePtr(arrivedAt)
	r.StartedAt = nullTimePtr(startedAt)
	r.CompletedAt = nullTimePtr(completedAt)
	r.CancelledAt = nullTimePtr(cancelledAt)
	return &r, nil
}

func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, rideID string, expected, next models.RideStatus, f StatusFields) (bool, error) {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	var finalFare *int64
	if f.FinalFare != nil {
		finalFare = &f.FinalFare.Amount
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET
			status = $1,
			driver_id = COALESCE($2, driver_id),
			final_fare = COALESCE($3, final_fare),
			accepted_at  = CASE WHEN $1 = 'assigned'        THEN $4 ELSE accepted_at END,
			en_route_at  = CASE WHEN $1 = 'driver_en_route' THEN $4 ELSE en_route_at END,
			arrived_at   = CASE WHEN $1 = 'driver_arrived'  THEN $4 ELSE arrived_at END,
			started_at   = CASE WHEN $1 = 'in_progress'     THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed'       THEN $4 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled'       THEN $4 ELSE cancelled_at END,
			cancellation_reason = CASE WHEN $1 = 'cancelled' THEN $5 ELSE cancellation_reason END,
			cancelled_by        = CASE WHEN $1 = 'cancelled' THEN $6 ELSE cancelled_by END,
			rejection_reason    = CASE WHEN $1 = 'rejected'  THEN $7 ELSE rejection_reason END
		WHERE id = $8 AND status = $9`,
		string(next), f.DriverID, finalFare, at,
		f.CancellationReason, f.CancelledBy, f.RejectionReason,
		rideID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) CreateAssignment(ctx context.Context, a *models.AssignmentRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assignment_requests(id, ride_id, driver_id, attempt, status, requested_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		a.ID, a.RideID, a.DriverID, a.Attempt, a.Status, a.RequestedAt)
	return err
}

func (p *PostgresStore) GetAssignment(ctx context.Context, id string) (*models.AssignmentRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, ride_id, driver_id, attempt, status, requested_at, responded_at
		FROM assignment_requests WHERE id = $1`, id)
	var a models.AssignmentRequest
	var respondedAt sql.NullTime
	err := row.Scan(&a.ID, &a.RideID, &a.DriverID, &a.Attempt, &a.Status, &a.RequestedAt, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.RespondedAt = nullTimePtr(respondedAt)
	return &a, nil
}

func (p *PostgresStore) ListAssignments(ctx context.Context, rideID string) ([]models.AssignmentRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ride_id, driver_id, attempt, status, requested_at, responded_at
		FROM assignment_requests WHERE ride_id = $1 ORDER BY attempt`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AssignmentRequest
	for rows.Next() {
		var a models.AssignmentRequest
		var respondedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.RideID, &a.DriverID, &a.Attempt, &a.Status, &a.RequestedAt, &respondedAt); err != nil {
			return nil, err
		}
		a.RespondedAt = nullTimePtr(respondedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CompareAndSetAssignment(ctx context.Context, id string, expected, next models.AssignmentStatus, respondedAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE assignment_requests SET status = $1, responded_at = $2
		WHERE id = $3 AND status = $4`,
		string(next), respondedAt, id, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ExpirePendingAssignments(ctx context.Context, rideID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE assignment_requests SET status = 'expired', responded_at = $1
		WHERE ride_id = $2 AND status = 'pending'`,
		time.Now(), rideID)
	return err
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
