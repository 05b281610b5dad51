// Package rides orchestrates the ride lifecycle: quoting and creating
// the request, handing it to dispatch, driving the status transitions
// and settling payment at the end. All status writes go through the
// store's compare-and-set; this package never mutates a ride in place.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

var (
	// ErrOutsideArrivalRadius rejects an arrival report whose position
	// is too far from the pickup point.
	ErrOutsideArrivalRadius = errors.New("reported position outside arrival radius")
	ErrUnknownVehicleClass  = errors.New("unknown vehicle class")
)

var vehicleClasses = map[models.VehicleClass]struct{}{
	models.VehicleStandard: {},
	models.VehicleComfort:  {},
	models.VehiclePremium:  {},
	models.VehicleVan:      {},
}

// RequestInput is everything a rider supplies when asking for a ride.
type RequestInput struct {
	RiderID      string              `json:"rider_id"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Pickup       models.Location     `json:"pickup"`
	Destination  models.Location     `json:"destination"`
	PromoCode    string              `json:"promo_code,omitempty"`
	LoyaltyTier  string              `json:"loyalty_tier,omitempty"`
}

type Service struct {
	Store       storage.RideStore
	Coordinator *dispatch.Coordinator
	Tracker     *tracking.Manager
	Charger     payments.FareCharger
	Publisher   dispatch.StatusPublisher
	Logger      *slog.Logger

	// Router, when set, replaces the average-speed duration estimate
	// with road ETAs. Lookups go through ETACache.
	Router   eta.Client
	ETACache *eta.Cache

	ArrivalRadiusM  float64
	DispatchTimeout time.Duration
}

func NewService(store storage.RideStore, coord *dispatch.Coordinator, tracker *tracking.Manager, logger *slog.Logger) *Service {
	return &Service{
		Store:           store,
		Coordinator:     coord,
		Tracker:         tracker,
		Logger:          logger,
		ArrivalRadiusM:  150,
		DispatchTimeout: 2 * time.Minute,
	}
}

// Request validates the input, quotes the fare, persists the ride in
// requested status and starts dispatch in the background. The returned
// ride may already carry a driver by the time the rider polls it.
func (s *Service) Request(ctx context.Context, in RequestInput) (*models.Ride, error) {
	if in.RiderID == "" {
		return nil, fmt.Errorf("rider_id is required")
	}
	if in.VehicleClass == "" {
		in.VehicleClass = models.VehicleStandard
	}
	if _, ok := vehicleClasses[in.VehicleClass]; !ok {
		return nil, ErrUnknownVehicleClass
	}
	distanceKm, err := geo.DistanceKm(in.Pickup.Coord, in.Destination.Coord)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	durationMin := s.tripDurationMin(distanceKm, in)
	quote := pricing.Quote(distanceKm, durationMin, in.VehicleClass, pricing.BandFor(now), in.PromoCode, in.LoyaltyTier)

	ride := &models.Ride{
		ID:            ulid.Make().String(),
		RiderID:       in.RiderID,
		VehicleClass:  in.VehicleClass,
		Status:        models.StatusRequested,
		Pickup:        in.Pickup,
		Destination:   in.Destination,
		EstimatedFare: models.Money{Amount: quote.Point, Currency: quote.Currency},
		PromoCode:     in.PromoCode,
		LoyaltyTier:   in.LoyaltyTier,
		CreatedAt:     now,
	}

	if s.Charger != nil {
		// Hold the top of the estimate range; capture settles the
		// (usually lower) final fare.
		hold := models.Money{Amount: quote.Max, Currency: quote.Currency}
		piID, err := s.Charger.HoldFare(ctx, ride.ID, hold, in.RiderID)
		if err != nil {
			return nil, fmt.Errorf("hold fare: %w", err)
		}
		ride.PaymentIntentID = piID
	}

	if err := s.Store.CreateRide(ctx, ride); err != nil {
		if s.Charger != nil && ride.PaymentIntentID != "" {
			if rerr := s.Charger.ReleaseFare(ctx, ride.PaymentIntentID); rerr != nil {
				s.Logger.Error("release fare after failed create", "ride_id", ride.ID, "error", rerr)
			}
		}
		return nil, err
	}

	go s.runDispatch(ride)
	return ride, nil
}

func (s *Service) tripDurationMin(distanceKm float64, in RequestInput) float64 {
	if s.Router == nil {
		return eta.EstimateDurationMinutes(distanceKm, in.VehicleClass)
	}
	if s.ETACache != nil {
		if secs, ok := s.ETACache.Get(in.Pickup.Coord, in.Destination.Coord); ok {
			return secs / 60
		}
	}
	secs, err := s.Router.EstimateSeconds(in.Pickup.Coord, in.Destination.Coord)
	if err != nil {
		s.Logger.Warn("routing engine lookup failed, using speed table", "error", err)
		return eta.EstimateDurationMinutes(distanceKm, in.VehicleClass)
	}
	if s.ETACache != nil {
		s.ETACache.Set(in.Pickup.Coord, in.Destination.Coord, secs)
	}
	return secs / 60
}

func (s *Service) runDispatch(ride *models.Ride) {
	ctx, cancel := context.WithTimeout(context.Background(), s.DispatchTimeout)
	defer cancel()
	if _, err := s.Coordinator.Dispatch(ctx, ride); err != nil {
		s.Logger.Info("dispatch ended without assignment", "ride_id", ride.ID, "error", err)
	}
	// Rejection is terminal too: anyone already watching the ride's
	// position stream gets closed out, same as cancel and complete.
	cur, err := s.Store.GetRide(context.Background(), ride.ID)
	if err == nil && lifecycle.Terminal(cur.Status) {
		s.Tracker.CloseRide(ride.ID)
	}
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, rideID)
}

// Cancel moves the ride to cancelled if the actor is allowed to from
// the current status. Cancelling an already-cancelled ride is a no-op.
func (s *Service) Cancel(ctx context.Context, rideID string, actor lifecycle.Actor, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		ride, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status == models.StatusCancelled {
			return nil
		}
		if !lifecycle.CanTransition(ride.Status, models.StatusCancelled, actor) {
			return lifecycle.ErrInvalidTransition
		}
		ok, err := s.Store.CompareAndSetStatus(ctx, rideID, ride.Status, models.StatusCancelled, storage.StatusFields{
			CancellationReason: reason,
			CancelledBy:        string(actor),
			At:                 time.Now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			continue // status moved underneath us, re-evaluate
		}
		s.Coordinator.Abort(ctx, rideID)
		s.Tracker.CloseRide(rideID)
		if s.Charger != nil && ride.PaymentIntentID != "" {
			if rerr := s.Charger.ReleaseFare(ctx, ride.PaymentIntentID); rerr != nil {
				s.Logger.Error("release fare on cancel", "ride_id", rideID, "error", rerr)
			}
		}
		s.publish(ctx, rideID, ride.Status, models.StatusCancelled)
		return nil
	}
	return lifecycle.ErrInvalidTransition
}

// DriverEnRoute records that the assigned driver started toward pickup.
func (s *Service) DriverEnRoute(ctx context.Context, rideID string) error {
	return s.advance(ctx, rideID, models.StatusAssigned, models.StatusDriverEnRoute, storage.StatusFields{At: time.Now()})
}

// Arrived records the driver at the pickup point. When a position is
// reported it must fall within the arrival radius; a nil position is an
// explicit driver signal and is trusted.
func (s *Service) Arrived(ctx context.Context, rideID string, reported *models.Coord) error {
	if reported != nil {
		ride, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if err := geo.Validate(*reported); err != nil {
			return err
		}
		d := geo.Haversine(reported.Lat, reported.Lon, ride.Pickup.Lat, ride.Pickup.Lon)
		if d > s.ArrivalRadiusM {
			return ErrOutsideArrivalRadius
		}
	}
	return s.advance(ctx, rideID, models.StatusDriverEnRoute, models.StatusDriverArrived, storage.StatusFields{At: time.Now()})
}

// Start begins the trip once the rider is picked up.
func (s *Service) Start(ctx context.Context, rideID string) error {
	return s.advance(ctx, rideID, models.StatusDriverArrived, models.StatusInProgress, storage.StatusFields{At: time.Now()})
}

// Complete ends the trip and settles the fare from actual distance and
// duration. The final fare is written atomically with the status.
func (s *Service) Complete(ctx context.Context, rideID string, actualDistanceKm, actualDurationMin float64) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusInProgress {
		return nil, lifecycle.ErrInvalidTransition
	}
	final := pricing.Finalize(ride, actualDistanceKm, actualDurationMin)
	ok, err := s.Store.CompareAndSetStatus(ctx, rideID, models.StatusInProgress, models.StatusCompleted, storage.StatusFields{
		FinalFare: &final,
		At:        time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lifecycle.ErrInvalidTransition
	}
	s.Tracker.CloseRide(rideID)
	if s.Charger != nil && ride.PaymentIntentID != "" {
		if cerr := s.Charger.CaptureFare(ctx, ride.PaymentIntentID, final); cerr != nil {
			// Settlement is retried out of band; the ride is complete.
			s.Logger.Error("capture fare", "ride_id", rideID, "error", cerr)
		}
	}
	s.publish(ctx, rideID, models.StatusInProgress, models.StatusCompleted)
	return s.Store.GetRide(ctx, rideID)
}

func (s *Service) advance(ctx context.Context, rideID string, from, to models.RideStatus, fields storage.StatusFields) error {
	if !lifecycle.CanTransition(from, to, lifecycle.ActorDriver) {
		return lifecycle.ErrInvalidTransition
	}
	ok, err := s.Store.CompareAndSetStatus(ctx, rideID, from, to, fields)
	if err != nil {
		return err
	}
	if !ok {
		return lifecycle.ErrInvalidTransition
	}
	s.publish(ctx, rideID, from, to)
	return nil
}

func (s *Service) publish(ctx context.Context, rideID string, from, to models.RideStatus) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.PublishStatus(ctx, rideID, from, to); err != nil {
		s.Logger.Warn("status publish failed", "ride_id", rideID, "from", from, "to", to, "error", err)
	}
}
