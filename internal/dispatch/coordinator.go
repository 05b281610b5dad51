// Package dispatch matches a ride request to a driver. Candidates are
// tried in order with a per-offer timeout; the first accepted response
// is committed through the ride store's compare-and-set so exactly one
// acceptance can ever win.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const ReasonNoDrivers = "no_drivers_available"

// Failure reports that no driver could be secured for a ride. It is
// observable through the ride's rejected status as well.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return "dispatch failed: " + f.Reason }

var (
	// ErrAssignmentConflict is returned to a driver whose acceptance
	// lost the commit race; another acceptance was already bound.
	ErrAssignmentConflict = errors.New("assignment already taken")
	// ErrAssignmentUnavailable is returned when the offer is no longer
	// open: it expired, was responded to already, or the ride is gone.
	ErrAssignmentUnavailable = errors.New("assignment no longer available")
)

// Offer is the payload delivered to a candidate driver.
type Offer struct {
	AssignmentID     string              `json:"assignment_id"`
	RideID           string              `json:"ride_id"`
	Pickup           models.Location     `json:"pickup"`
	Destination      models.Location     `json:"destination"`
	VehicleClass     models.VehicleClass `json:"vehicle_class"`
	PickupDistanceM  float64             `json:"pickup_distance_m"`
	PickupETASeconds float64             `json:"pickup_eta_seconds"`
	FareEstimate     models.Money        `json:"fare_estimate"`
	ExpiresAt        time.Time           `json:"expires_at"`
}

// Notifier delivers an offer to a driver's device.
type Notifier interface {
	Offer(driverID string, offer Offer) error
}

// StatusPublisher receives ride status change events for fan-out to
// interested consumers. Optional; nil disables publication.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, rideID string, from, to models.RideStatus) error
}

type response struct {
	accepted bool
}

type Coordinator struct {
	Directory geo.Directory
	Store     storage.RideStore
	Notifier  Notifier
	Publisher StatusPublisher
	Logger    *slog.Logger

	OfferTimeout   time.Duration
	OverallTimeout time.Duration
	MaxCandidates  int
	LookupRetries  int
	LookupBackoff  time.Duration

	mu      sync.Mutex
	waiters map[string]chan response // assignment id -> dispatch loop waiter
	aborts  map[string]chan struct{} // ride id -> closed on cancellation
}

func NewCoordinator(dir geo.Directory, store storage.RideStore, notifier Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Directory:      dir,
		Store:          store,
		Notifier:       notifier,
		Logger:         logger,
		OfferTimeout:   15 * time.Second,
		OverallTimeout: 90 * time.Second,
		MaxCandidates:  8,
		LookupRetries:  3,
		LookupBackoff:  200 * time.Millisecond,
		waiters:        make(map[string]chan response),
		aborts:         make(map[string]chan struct{}),
	}
}

// Dispatch tries candidate drivers for the ride until one acceptance
// commits or candidates are exhausted. On exhaustion or overall timeout
// the ride moves to rejected with reason no_drivers_available. The ride
// must be in requested status.
func (c *Coordinator) Dispatch(ctx context.Context, ride *models.Ride) (*models.AssignmentRequest, error) {
	observability.DispatchAttemptsTotal.Inc()
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	abort := c.registerAbort(ride.ID)
	defer c.unregisterAbort(ride.ID)

	candidates, err := c.lookupCandidates(ctx, ride)
	if err != nil {
		// Ride stays requested; the caller decides whether to retry.
		return nil, &Failure{Reason: "driver_lookup_failed"}
	}
	if len(candidates) == 0 {
		return nil, c.reject(ctx, ride)
	}

	deadline := time.Now().Add(c.OverallTimeout)
	for attempt, cand := range candidates {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-abort:
			return nil, ErrAssignmentUnavailable
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		a, win, err := c.tryCandidate(ctx, ride, cand, attempt, abort)
		if err != nil {
			return nil, err
		}
		if win {
			return a, nil
		}
	}
	return nil, c.reject(ctx, ride)
}

// tryCandidate offers the ride to one driver and waits for the outcome.
// win is true when this driver's acceptance committed the assignment.
func (c *Coordinator) tryCandidate(ctx context.Context, ride *models.Ride, cand models.Driver, attempt int, abort <-chan struct{}) (*models.AssignmentRequest, bool, error) {
	a := &models.AssignmentRequest{
		ID:          newID(),
		RideID:      ride.ID,
		DriverID:    cand.ID,
		Attempt:     attempt,
		Status:      models.AssignmentPending,
		RequestedAt: time.Now(),
	}
	if err := c.Store.CreateAssignment(ctx, a); err != nil {
		return nil, false, err
	}

	waiter := make(chan response, 1)
	c.mu.Lock()
	c.waiters[a.ID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, a.ID)
		c.mu.Unlock()
	}()

	distM := geo.Haversine(cand.Loc.Lat, cand.Loc.Lon, ride.Pickup.Lat, ride.Pickup.Lon)
	offer := Offer{
		AssignmentID:     a.ID,
		RideID:           ride.ID,
		Pickup:           ride.Pickup,
		Destination:      ride.Destination,
		VehicleClass:     ride.VehicleClass,
		PickupDistanceM:  distM,
		PickupETASeconds: eta.EstimateSeconds(cand.Loc, ride.Pickup.Coord, ride.VehicleClass),
		FareEstimate:     ride.EstimatedFare,
		ExpiresAt:        time.Now().Add(c.OfferTimeout),
	}
	if err := c.Notifier.Offer(cand.ID, offer); err != nil {
		c.Logger.Warn("offer delivery failed", "ride_id", ride.ID, "driver_id", cand.ID, "error", err)
		c.expire(ctx, a.ID)
		return nil, false, nil
	}

	timer := time.NewTimer(c.OfferTimeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		if resp.accepted {
			a.Status = models.AssignmentAccepted
			return a, true, nil
		}
		return nil, false, nil
	case <-timer.C:
		// An acceptance may land between the timeout firing and this
		// expiry; the assignment CAS decides which happened first.
		if !c.expire(ctx, a.ID) {
			cur, err := c.Store.GetAssignment(ctx, a.ID)
			if err == nil && cur.Status == models.AssignmentAccepted {
				return cur, true, nil
			}
		}
		observability.OffersTotal.WithLabelValues("expired").Inc()
		return nil, false, nil
	case <-abort:
		c.expire(ctx, a.ID)
		return nil, false, ErrAssignmentUnavailable
	case <-ctx.Done():
		c.expire(ctx, a.ID)
		return nil, false, ctx.Err()
	}
}

// Resolve processes a driver's response to an offer. Acceptance commits
// through two compare-and-sets: the assignment (pending -> accepted)
// and then the ride (requested -> assigned). Only the first acceptance
// to win the ride-level CAS binds the driver; the loser's request is
// retroactively expired.
func (c *Coordinator) Resolve(ctx context.Context, assignmentID, driverID string, accepted bool) error {
	a, err := c.Store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return ErrAssignmentUnavailable
	}
	if a.DriverID != driverID {
		return ErrAssignmentUnavailable
	}

	if !accepted {
		ok, err := c.Store.CompareAndSetAssignment(ctx, assignmentID, models.AssignmentPending, models.AssignmentRejected, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrAssignmentUnavailable
		}
		observability.OffersTotal.WithLabelValues("rejected").Inc()
		c.notifyWaiter(assignmentID, response{accepted: false})
		return nil
	}

	ok, err := c.Store.CompareAndSetAssignment(ctx, assignmentID, models.AssignmentPending, models.AssignmentAccepted, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return c.loseAcceptance(ctx, a.RideID, driverID)
	}

	ok, err = c.Store.CompareAndSetStatus(ctx, a.RideID, models.StatusRequested, models.StatusAssigned, storage.StatusFields{DriverID: &driverID})
	if err != nil {
		return err
	}
	if !ok {
		// Lost the ride-level race: a concurrent acceptance committed
		// first, or the ride was cancelled mid-dispatch. Either way the
		// acceptance is rolled back and the driver told the ride is gone.
		_, _ = c.Store.CompareAndSetAssignment(ctx, assignmentID, models.AssignmentAccepted, models.AssignmentExpired, time.Now())
		return c.loseAcceptance(ctx, a.RideID, driverID)
	}

	_ = c.Store.ExpirePendingAssignments(ctx, a.RideID)
	observability.OffersTotal.WithLabelValues("accepted").Inc()
	observability.DispatchAssignedTotal.Inc()
	c.publish(ctx, a.RideID, models.StatusRequested, models.StatusAssigned)
	c.notifyWaiter(assignmentID, response{accepted: true})
	c.Logger.Info("ride assigned", "ride_id", a.RideID, "driver_id", driverID, "attempt", a.Attempt)
	return nil
}

// loseAcceptance classifies a failed acceptance commit: if the ride is
// assigned to another driver the caller raced and lost; otherwise the
// offer simply is not open anymore (expired, cancelled, terminal).
func (c *Coordinator) loseAcceptance(ctx context.Context, rideID, driverID string) error {
	ride, err := c.Store.GetRide(ctx, rideID)
	if err == nil && ride.Status == models.StatusAssigned && (ride.DriverID == nil || *ride.DriverID != driverID) {
		observability.OffersTotal.WithLabelValues("conflict").Inc()
		return ErrAssignmentConflict
	}
	return ErrAssignmentUnavailable
}

// Abort stops any in-flight dispatch loop for the ride and invalidates
// outstanding offers. Called after the ride has been cancelled; the
// ride-level CAS already prevents late acceptance from committing.
func (c *Coordinator) Abort(ctx context.Context, rideID string) {
	c.mu.Lock()
	if ch, ok := c.aborts[rideID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	c.mu.Unlock()
	_ = c.Store.ExpirePendingAssignments(ctx, rideID)
}

func (c *Coordinator) lookupCandidates(ctx context.Context, ride *models.Ride) ([]models.Driver, error) {
	backoff := c.LookupBackoff
	var lastErr error
	for i := 0; i < c.LookupRetries; i++ {
		cands, err := c.Directory.FindAvailable(ctx, ride.VehicleClass, ride.Pickup.Coord, c.MaxCandidates)
		if err == nil {
			return cands, nil
		}
		lastErr = err
		c.Logger.Warn("candidate lookup failed", "ride_id", ride.ID, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Coordinator) reject(ctx context.Context, ride *models.Ride) error {
	ok, err := c.Store.CompareAndSetStatus(ctx, ride.ID, models.StatusRequested, models.StatusRejected, storage.StatusFields{RejectionReason: ReasonNoDrivers})
	if err != nil {
		return err
	}
	_ = c.Store.ExpirePendingAssignments(ctx, ride.ID)
	if ok {
		observability.DispatchRejectedTotal.Inc()
		c.publish(ctx, ride.ID, models.StatusRequested, models.StatusRejected)
		c.Logger.Info("ride rejected", "ride_id", ride.ID, "reason", ReasonNoDrivers)
	}
	return &Failure{Reason: ReasonNoDrivers}
}

func (c *Coordinator) expire(ctx context.Context, assignmentID string) bool {
	ok, err := c.Store.CompareAndSetAssignment(ctx, assignmentID, models.AssignmentPending, models.AssignmentExpired, time.Now())
	if err != nil {
		c.Logger.Warn("assignment expiry failed", "assignment_id", assignmentID, "error", err)
		return false
	}
	return ok
}

func (c *Coordinator) notifyWaiter(assignmentID string, r response) {
	c.mu.Lock()
	ch, ok := c.waiters[assignmentID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- r:
		default:
		}
	}
}

func (c *Coordinator) registerAbort(rideID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.aborts[rideID] = ch
	return ch
}

func (c *Coordinator) unregisterAbort(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.aborts, rideID)
}

func (c *Coordinator) publish(ctx context.Context, rideID string, from, to models.RideStatus) {
	if c.Publisher == nil {
		return
	}
	if err := c.Publisher.PublishStatus(ctx, rideID, from, to); err != nil {
		c.Logger.Warn("status publish failed", "ride_id", rideID, "to", to, "error", err)
	}
}

func newID() string {
	return ulid.Make().String()
}
