package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrRideNotFound       = errors.New("ride not found")
	ErrAssignmentNotFound = errors.New("assignment request not found")
)

// StatusFields carries the columns written together with a status
// change. The compare-and-set applies status, the status's timestamp
// and these fields in one atomic write, or none of them.
type StatusFields struct {
	DriverID           *string
	FinalFare          *models.Money
	CancellationReason string
	CancelledBy        string
	RejectionReason    string
	At                 time.Time
}

// RideStore is the single source of truth for ride records. The
// compare-and-set on status is the serialization point for all
// concurrent transition attempts; everything else treats it as such.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// CompareAndSetStatus atomically moves the ride from expected to
	// next, writing fields in the same step. Returns false (and no
	// write) when the ride's current status is not expected.
	CompareAndSetStatus(ctx context.Context, rideID string, expected, next models.RideStatus, fields StatusFields) (bool, error)

	CreateAssignment(ctx context.Context, a *models.AssignmentRequest) error
	GetAssignment(ctx context.Context, id string) (*models.AssignmentRequest, error)
	ListAssignments(ctx context.Context, rideID string) ([]models.AssignmentRequest, error)

	// CompareAndSetAssignment moves an assignment request from one
	// status to another, same contract as the ride-level CAS.
	CompareAndSetAssignment(ctx context.Context, id string, expected, next models.AssignmentStatus, respondedAt time.Time) (bool, error)

	// ExpirePendingAssignments marks every still-pending request for
	// the ride as expired, so no late acceptance can resurrect it.
	ExpirePendingAssignments(ctx context.Context, rideID string) error
}

// applyStatusFields mutates a ride copy for the given transition. Shared
// by the memory store; the Postgres store expresses the same pairing in
// SQL CASE clauses.
func applyStatusFields(r *models.Ride, next models.RideStatus, f StatusFields) {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	r.Status = next
	switch next {
	case models.StatusAssigned:
		r.AcceptedAt = &at
	case models.StatusDriverEnRoute:
		r.EnRouteAt = &at
	case models.StatusDriverArrived:
		r.ArrivedAt = &at
	case models.StatusInProgress:
		r.StartedAt = &at
	case models.StatusCompleted:
		r.CompletedAt = &at
	case models.StatusCancelled:
		r.CancelledAt = &at
		r.CancellationReason = f.CancellationReason
		r.CancelledBy = f.CancelledBy
	case models.StatusRejected:
		r.RejectionReason = f.RejectionReason
	}
	if f.DriverID != nil {
		r.DriverID = f.DriverID
	}
	if f.FinalFare != nil {
		r.FinalFare = f.FinalFare
	}
}
