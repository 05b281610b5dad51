package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps rides and assignment requests in process memory,
// guarded per ride so concurrent transitions on one ride serialize
// without a global lock across rides.
type MemoryStore struct {
	mu          sync.RWMutex
	rides       map[string]*rideEntry
	assignments map[string]*models.AssignmentRequest
	byRide      map[string][]string // ride id -> assignment ids in attempt order
}

type rideEntry struct {
	mu   sync.Mutex
	ride models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:       make(map[string]*rideEntry),
		assignments: make(map[string]*models.AssignmentRequest),
		byRide:      make(map[string][]string),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &rideEntry{ride: cp}
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	e, ok := m.rides[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrRideNotFound
	}
	e.mu.Lock()
	cp := e.ride
	e.mu.Unlock()
	return &cp, nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, rideID string, expected, next models.RideStatus, fields StatusFields) (bool, error) {
	m.mu.RLock()
	e, ok := m.rides[rideID]
	m.mu.RUnlock()
	if !ok {
		return false, ErrRideNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.Status != expected {
		return false, nil
	}
	applyStatusFields(&e.ride, next, fields)
	return true, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *models.AssignmentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.assignments[a.ID] = &cp
	m.byRide[a.RideID] = append(m.byRide[a.RideID], a.ID)
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (*models.AssignmentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, rideID string) ([]models.AssignmentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byRide[rideID]
	out := make([]models.AssignmentRequest, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.assignments[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSetAssignment(_ context.Context, id string, expected, next models.AssignmentStatus, respondedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return false, ErrAssignmentNotFound
	}
	if a.Status != expected {
		return false, nil
	}
	a.Status = next
	if !respondedAt.IsZero() {
		t := respondedAt
		a.RespondedAt = &t
	}
	return true, nil
}

func (m *MemoryStore) ExpirePendingAssignments(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, id := range m.byRide[rideID] {
		a := m.assignments[id]
		if a != nil && a.Status == models.AssignmentPending {
			a.Status = models.AssignmentExpired
			t := now
			a.RespondedAt = &t
		}
	}
	return nil
}
