package rides

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// acceptingNotifier plays every offered driver as an immediate accept.
type acceptingNotifier struct {
	coord *dispatch.Coordinator
}

func (n *acceptingNotifier) Offer(driverID string, offer dispatch.Offer) error {
	go n.coord.Resolve(context.Background(), offer.AssignmentID, driverID, true)
	return nil
}

// silentNotifier delivers offers into the void.
type silentNotifier struct{}

func (silentNotifier) Offer(string, dispatch.Offer) error { return nil }

type fakeCharger struct {
	mu       sync.Mutex
	held     map[string]models.Money
	captured map[string]models.Money
	released map[string]bool
	holdErr  error
}

func newFakeCharger() *fakeCharger {
	return &fakeCharger{
		held:     make(map[string]models.Money),
		captured: make(map[string]models.Money),
		released: make(map[string]bool),
	}
}

func (f *fakeCharger) HoldFare(_ context.Context, rideID string, amount models.Money, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	id := "pi_" + rideID
	f.held[id] = amount
	return id, nil
}

func (f *fakeCharger) CaptureFare(_ context.Context, piID string, amount models.Money) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured[piID] = amount
	return nil
}

func (f *fakeCharger) ReleaseFare(_ context.Context, piID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[piID] = true
	return nil
}

func newTestService(t *testing.T, drivers ...models.Driver) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := geo.NewIndex()
	for _, d := range drivers {
		if err := dir.Upsert(context.Background(), d); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	coord := dispatch.NewCoordinator(dir, store, nil, testLogger())
	coord.OfferTimeout = 100 * time.Millisecond
	coord.OverallTimeout = time.Second
	coord.LookupBackoff = time.Millisecond
	coord.Notifier = &acceptingNotifier{coord: coord}

	tracker := tracking.NewManager(store, nil, testLogger(), 4)
	svc := NewService(store, coord, tracker, testLogger())
	svc.DispatchTimeout = 2 * time.Second
	return svc, store
}

func testInput() RequestInput {
	return RequestInput{
		RiderID:      "rider-1",
		VehicleClass: models.VehicleStandard,
		Pickup:       models.Location{Coord: models.Coord{Lat: -4.2634, Lon: 15.2429}, Address: "Centre-ville"},
		Destination:  models.Location{Coord: models.Coord{Lat: -4.2801, Lon: 15.2662}, Address: "Talangaï"},
	}
}

func nearbyDriver(id string) models.Driver {
	return models.Driver{
		ID:           id,
		Loc:          models.Coord{Lat: -4.2640, Lon: 15.2435},
		VehicleClass: models.VehicleStandard,
		Rating:       4.8,
		Online:       true,
		Updated:      time.Now(),
	}
}

func waitForStatus(t *testing.T, store *storage.MemoryStore, rideID string, want models.RideStatus) *models.Ride {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.GetRide(context.Background(), rideID)
		if err != nil {
			t.Fatalf("GetRide: %v", err)
		}
		if r.Status == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := store.GetRide(context.Background(), rideID)
	t.Fatalf("ride never reached %s, stuck at %s", want, r.Status)
	return nil
}

func TestRequestThroughCompletion(t *testing.T) {
	svc, store := newTestService(t, nearbyDriver("driver-1"))
	charger := newFakeCharger()
	svc.Charger = charger
	ctx := context.Background()

	ride, err := svc.Request(ctx, testInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if ride.EstimatedFare.Currency != pricing.Currency || ride.EstimatedFare.Amount <= 0 {
		t.Fatalf("bad estimate: %+v", ride.EstimatedFare)
	}
	if ride.PaymentIntentID == "" {
		t.Fatal("expected a payment hold on request")
	}

	assigned := waitForStatus(t, store, ride.ID, models.StatusAssigned)
	if assigned.DriverID == nil || *assigned.DriverID != "driver-1" {
		t.Fatalf("wrong driver: %v", assigned.DriverID)
	}

	if err := svc.DriverEnRoute(ctx, ride.ID); err != nil {
		t.Fatalf("DriverEnRoute: %v", err)
	}
	at := models.Coord{Lat: -4.2635, Lon: 15.2430}
	if err := svc.Arrived(ctx, ride.ID, &at); err != nil {
		t.Fatalf("Arrived: %v", err)
	}
	if err := svc.Start(ctx, ride.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done, err := svc.Complete(ctx, ride.ID, 4.2, 14)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.FinalFare == nil {
		t.Fatalf("completion not recorded: %+v", done)
	}
	if done.FinalFare.Amount%100 != 0 {
		t.Fatalf("final fare not rounded: %d", done.FinalFare.Amount)
	}
	if got := charger.captured[ride.PaymentIntentID]; got != *done.FinalFare {
		t.Fatalf("captured %+v, want %+v", got, *done.FinalFare)
	}
}

func TestArrivalOutsideRadiusRejected(t *testing.T) {
	svc, store := newTestService(t, nearbyDriver("driver-1"))
	ctx := context.Background()

	ride, err := svc.Request(ctx, testInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitForStatus(t, store, ride.ID, models.StatusAssigned)
	if err := svc.DriverEnRoute(ctx, ride.ID); err != nil {
		t.Fatalf("DriverEnRoute: %v", err)
	}

	far := models.Coord{Lat: -4.30, Lon: 15.30} // kilometres away
	if err := svc.Arrived(ctx, ride.ID, &far); !errors.Is(err, ErrOutsideArrivalRadius) {
		t.Fatalf("expected radius rejection, got %v", err)
	}

	// An explicit no-position arrival signal is still accepted.
	if err := svc.Arrived(ctx, ride.ID, nil); err != nil {
		t.Fatalf("Arrived without position: %v", err)
	}
}

func TestRiderCannotCancelInProgress(t *testing.T) {
	svc, store := newTestService(t, nearbyDriver("driver-1"))
	ctx := context.Background()

	ride, err := svc.Request(ctx, testInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitForStatus(t, store, ride.ID, models.StatusAssigned)
	if err := svc.DriverEnRoute(ctx, ride.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Arrived(ctx, ride.ID, nil); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx, ride.ID); err != nil {
		t.Fatal(err)
	}

	err = svc.Cancel(ctx, ride.ID, lifecycle.ActorRider, "changed my mind")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// The driver may still cancel mid-trip.
	if err := svc.Cancel(ctx, ride.ID, lifecycle.ActorDriver, "vehicle breakdown"); err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCancelled || got.CancelledBy != string(lifecycle.ActorDriver) {
		t.Fatalf("cancel not recorded: %+v", got)
	}
}

func TestCancelIsIdempotentAndReleasesHold(t *testing.T) {
	svc, store := newTestService(t, nearbyDriver("driver-1"))
	// The driver never answers, so the ride stays requested while the
	// offer is pending and the rider cancels out from under it.
	svc.Coordinator.Notifier = silentNotifier{}
	svc.Coordinator.OfferTimeout = time.Second
	charger := newFakeCharger()
	svc.Charger = charger
	ctx := context.Background()

	ride, err := svc.Request(ctx, testInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := svc.Cancel(ctx, ride.ID, lifecycle.ActorRider, "waited too long"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !charger.released[ride.PaymentIntentID] {
		t.Fatal("hold not released on cancel")
	}

	if err := svc.Cancel(ctx, ride.ID, lifecycle.ActorRider, "again"); err != nil {
		t.Fatalf("second cancel must be a no-op, got %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCancelled || got.CancellationReason != "waited too long" {
		t.Fatalf("cancel record wrong: %+v", got)
	}
}

func TestRejectedRideClosesLocationSubscribers(t *testing.T) {
	svc, store := newTestService(t, nearbyDriver("driver-1"))
	// The sole candidate never answers, so the offer expires and the
	// ride ends up rejected while a subscriber is attached.
	svc.Coordinator.Notifier = silentNotifier{}
	svc.Coordinator.OfferTimeout = 50 * time.Millisecond
	ctx := context.Background()

	ride, err := svc.Request(ctx, testInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	sub, err := svc.Tracker.Subscribe(ctx, ride.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	waitForStatus(t, store, ride.ID, models.StatusRejected)

	select {
	case _, open := <-sub.C:
		if open {
			t.Fatal("expected closed channel after rejection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel never closed after ride rejected")
	}
}

func TestRequestRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := testInput()
	in.RiderID = ""
	if _, err := svc.Request(ctx, in); err == nil {
		t.Fatal("expected error for missing rider id")
	}

	in = testInput()
	in.VehicleClass = "rickshaw"
	if _, err := svc.Request(ctx, in); !errors.Is(err, ErrUnknownVehicleClass) {
		t.Fatalf("expected ErrUnknownVehicleClass, got %v", err)
	}

	in = testInput()
	in.Pickup.Lat = 123.0
	if _, err := svc.Request(ctx, in); !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("expected coordinate validation error, got %v", err)
	}
}

type fixedRouter struct {
	secs  float64
	err   error
	calls int
}

func (f *fixedRouter) EstimateSeconds(_, _ models.Coord) (float64, error) {
	f.calls++
	return f.secs, f.err
}

func TestRouterFallsBackToSpeedTable(t *testing.T) {
	svc, _ := newTestService(t, nearbyDriver("driver-1"))
	router := &fixedRouter{err: errors.New("osrm down")}
	svc.Router = router

	ride, err := svc.Request(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if router.calls == 0 {
		t.Fatal("router was never consulted")
	}
	if ride.EstimatedFare.Amount <= 0 {
		t.Fatalf("fallback estimate missing: %+v", ride.EstimatedFare)
	}
}

func TestHoldFailureFailsRequest(t *testing.T) {
	svc, _ := newTestService(t, nearbyDriver("driver-1"))
	charger := newFakeCharger()
	charger.holdErr = errors.New("card declined")
	svc.Charger = charger

	if _, err := svc.Request(context.Background(), testInput()); err == nil {
		t.Fatal("expected hold failure to surface")
	}
}
