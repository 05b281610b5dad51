package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeDirectory struct {
	drivers []models.Driver
	err     error
	calls   int
}

func (f *fakeDirectory) FindAvailable(_ context.Context, _ models.VehicleClass, _ models.Coord, _ int) ([]models.Driver, error) {
	f.calls++
	return f.drivers, f.err
}

func (f *fakeDirectory) Upsert(_ context.Context, _ models.Driver) error { return nil }

// respondingNotifier simulates driver devices: each offer triggers the
// configured response through the coordinator's Resolve path.
type respondingNotifier struct {
	coord   *Coordinator
	respond func(driverID string, offer Offer)
}

func (n *respondingNotifier) Offer(driverID string, offer Offer) error {
	if n.respond != nil {
		go n.respond(driverID, offer)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestRide(store storage.RideStore, id string) *models.Ride {
	r := &models.Ride{
		ID:           id,
		RiderID:      "rider1",
		VehicleClass: models.VehicleStandard,
		Status:       models.StatusRequested,
		Pickup:       models.Location{Coord: models.Coord{Lat: -4.2634, Lon: 15.2429}},
		Destination:  models.Location{Coord: models.Coord{Lat: -4.8167, Lon: 11.85}},
		CreatedAt:    time.Now(),
	}
	_ = store.CreateRide(context.Background(), r)
	return r
}

func newTestCoordinator(dir *fakeDirectory, store storage.RideStore) *Coordinator {
	c := NewCoordinator(dir, store, nil, testLogger())
	c.OfferTimeout = 50 * time.Millisecond
	c.OverallTimeout = time.Second
	c.LookupBackoff = time.Millisecond
	return c
}

func TestDispatchNoDriversRejectsRide(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ride := newTestRide(store, "ride1")
	c := newTestCoordinator(&fakeDirectory{}, store)
	c.Notifier = &respondingNotifier{}

	_, err := c.Dispatch(ctx, ride)
	var f *Failure
	if !errors.As(err, &f) || f.Reason != ReasonNoDrivers {
		t.Fatalf("expected no_drivers_available failure, got %v", err)
	}

	got, _ := store.GetRide(ctx, "ride1")
	if got.Status != models.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if got.RejectionReason != ReasonNoDrivers {
		t.Fatalf("reason = %q", got.RejectionReason)
	}
	list, _ := store.ListAssignments(ctx, "ride1")
	for _, a := range list {
		if a.Status == models.AssignmentPending {
			t.Fatalf("assignment %s left pending", a.ID)
		}
	}
}

func TestDispatchFirstAcceptanceWins(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ride := newTestRide(store, "ride1")
	dir := &fakeDirectory{drivers: []models.Driver{
		{ID: "d1", Loc: models.Coord{Lat: -4.264, Lon: 15.243}, VehicleClass: models.VehicleStandard, Online: true},
	}}
	c := newTestCoordinator(dir, store)
	c.Notifier = &respondingNotifier{coord: c, respond: func(driverID string, offer Offer) {
		if err := c.Resolve(ctx, offer.AssignmentID, driverID, true); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}}

	a, err := c.Dispatch(ctx, ride)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if a.DriverID != "d1" {
		t.Fatalf("winner = %s", a.DriverID)
	}

	got, _ := store.GetRide(ctx, "ride1")
	if got.Status != models.StatusAssigned {
		t.Fatalf("status = %s, want assigned", got.Status)
	}
	if got.DriverID == nil || *got.DriverID != "d1" {
		t.Fatal("driver id not bound")
	}
	if got.AcceptedAt == nil {
		t.Fatal("accepted_at not set")
	}
}

func TestDispatchRejectionMovesToNextCandidate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ride := newTestRide(store, "ride1")
	dir := &fakeDirectory{drivers: []models.Driver{
		{ID: "d1", VehicleClass: models.VehicleStandard, Online: true},
		{ID: "d2", VehicleClass: models.VehicleStandard, Online: true},
	}}
	c := newTestCoordinator(dir, store)
	c.Notifier = &respondingNotifier{coord: c, respond: func(driverID string, offer Offer) {
		accept := driverID == "d2"
		if err := c.Resolve(ctx, offer.AssignmentID, driverID, accept); err != nil {
			t.Errorf("resolve %s: %v", driverID, err)
		}
	}}

	a, err := c.Dispatch(ctx, ride)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if a.DriverID != "d2" {
		t.Fatalf("winner = %s, want d2", a.DriverID)
	}

	list, _ := store.ListAssignments(ctx, "ride1")
	if len(list) != 2 {
		t.Fatalf("expected 2 assignment requests, got %d", len(list))
	}
	if list[0].Status != models.AssignmentRejected {
		t.Fatalf("first assignment = %s, want rejected", list[0].Status)
	}
	if list[1].Status != models.AssignmentAccepted {
		t.Fatalf("second assignment = %s, want accepted", list[1].Status)
	}
}

func TestDispatchUnresponsiveDriverExpires(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ride := newTestRide(store, "ride1")
	dir := &fakeDirectory{drivers: []models.Driver{{ID: "d1", VehicleClass: models.VehicleStandard, Online: true}}}
	c := newTestCoordinator(dir, store)
	c.Notifier = &respondingNotifier{} // never responds

	_, err := c.Dispatch(ctx, ride)
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected dispatch failure, got %v", err)
	}

	list, _ := store.ListAssignments(ctx, "ride1")
	if len(list) != 1 || list[0].Status != models.AssignmentExpired {
		t.Fatalf("expected one expired assignment, got %+v", list)
	}
}

func TestConcurrentAcceptancesExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newTestRide(store, "ride1")
	c := newTestCoordinator(&fakeDirectory{}, store)
	c.Notifier = &respondingNotifier{}

	// Two offers outstanding for the same ride, both accepted at once.
	mk := func(id, driver string, attempt int) {
		_ = store.CreateAssignment(ctx, &models.AssignmentRequest{
			ID: id, RideID: "ride1", DriverID: driver, Attempt: attempt,
			Status: models.AssignmentPending, RequestedAt: time.Now(),
		})
	}
	mk("a1", "d1", 0)
	mk("a2", "d2", 1)

	var wg sync.WaitGroup
	results := make(map[string]error, 2)
	var mu sync.Mutex
	for _, pair := range [][2]string{{"a1", "d1"}, {"a2", "d2"}} {
		wg.Add(1)
		go func(aid, did string) {
			defer wg.Done()
			err := c.Resolve(ctx, aid, did, true)
			mu.Lock()
			results[did] = err
			mu.Unlock()
		}(pair[0], pair[1])
	}
	wg.Wait()

	var winner string
	conflicts := 0
	for did, err := range results {
		switch {
		case err == nil:
			winner = did
		case errors.Is(err, ErrAssignmentConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error for %s: %v", did, err)
		}
	}
	if winner == "" || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %+v", results)
	}

	got, _ := store.GetRide(ctx, "ride1")
	if got.DriverID == nil || *got.DriverID != winner {
		t.Fatalf("assigned driver %v != winner %s", got.DriverID, winner)
	}
}

func TestLateAcceptanceCannotResurrectCancelledRide(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newTestRide(store, "ride1")
	c := newTestCoordinator(&fakeDirectory{}, store)
	c.Notifier = &respondingNotifier{}

	_ = store.CreateAssignment(ctx, &models.AssignmentRequest{
		ID: "a1", RideID: "ride1", DriverID: "d1",
		Status: models.AssignmentPending, RequestedAt: time.Now(),
	})

	// Rider cancels while the offer is outstanding.
	ok, err := store.CompareAndSetStatus(ctx, "ride1", models.StatusRequested, models.StatusCancelled,
		storage.StatusFields{CancellationReason: "changed_mind", CancelledBy: "rider"})
	if err != nil || !ok {
		t.Fatalf("cancel failed: ok=%v err=%v", ok, err)
	}
	c.Abort(ctx, "ride1")

	if err := c.Resolve(ctx, "a1", "d1", true); !errors.Is(err, ErrAssignmentUnavailable) {
		t.Fatalf("expected ErrAssignmentUnavailable, got %v", err)
	}

	got, _ := store.GetRide(ctx, "ride1")
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	a, _ := store.GetAssignment(ctx, "a1")
	if a.Status == models.AssignmentAccepted {
		t.Fatal("assignment must not stay accepted")
	}
}

func TestLookupFailureRetriedThenSurfaces(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ride := newTestRide(store, "ride1")
	dir := &fakeDirectory{err: errors.New("directory down")}
	c := newTestCoordinator(dir, store)
	c.Notifier = &respondingNotifier{}

	_, err := c.Dispatch(ctx, ride)
	var f *Failure
	if !errors.As(err, &f) || f.Reason != "driver_lookup_failed" {
		t.Fatalf("expected driver_lookup_failed, got %v", err)
	}
	if dir.calls != c.LookupRetries {
		t.Fatalf("expected %d lookup attempts, got %d", c.LookupRetries, dir.calls)
	}

	// Ride stays requested so a caller-visible policy can retry.
	got, _ := store.GetRide(ctx, "ride1")
	if got.Status != models.StatusRequested {
		t.Fatalf("status = %s, want requested", got.Status)
	}
}
