// Package tracking ingests driver position reports and fans them out to
// per-ride subscribers. Samples are ordered by capture time, not
// arrival; a slow subscriber never blocks the writer.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrStaleSample marks a report older than the latest accepted one
	// for the ride. Expected under normal network jitter; logged and
	// dropped, never fatal to the reporting driver.
	ErrStaleSample = errors.New("stale location sample")
	// ErrRideNotActive is returned when the ride does not accept
	// samples: not yet assigned, or already terminal.
	ErrRideNotActive = errors.New("ride not in an active status")
)

// SamplePublisher forwards accepted samples to the pub/sub transport.
// Optional; nil disables publication.
type SamplePublisher interface {
	PublishSample(ctx context.Context, s models.LocationSample) error
}

// Subscription is one attached consumer of a ride's position stream.
// C is closed when the ride reaches a terminal state or the
// subscription is cancelled; buffered but undelivered samples are
// discarded at that point.
type Subscription struct {
	C      <-chan models.LocationSample
	ch     chan models.LocationSample
	stream *rideStream
	once   sync.Once
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.stream.detach(s)
	})
}

type rideStream struct {
	mu   sync.Mutex
	last *models.LocationSample
	subs map[*Subscription]struct{}
	done bool
}

func (rs *rideStream) detach(sub *Subscription) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.subs[sub]; !ok {
		return
	}
	delete(rs.subs, sub)
	drainAndClose(sub.ch)
	observability.StreamSubscribers.Dec()
}

// Manager owns all live position streams keyed by ride id.
type Manager struct {
	store     storage.RideStore
	publisher SamplePublisher
	logger    *slog.Logger
	bufSize   int

	mu      sync.RWMutex
	streams map[string]*rideStream
}

func NewManager(store storage.RideStore, publisher SamplePublisher, logger *slog.Logger, bufSize int) *Manager {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Manager{
		store:     store,
		publisher: publisher,
		logger:    logger,
		bufSize:   bufSize,
		streams:   make(map[string]*rideStream),
	}
}

// Ingest validates one driver report and, when accepted, makes it the
// ride's current position and publishes it to every subscriber.
// Validation order: coordinates, ride active, strict captured_at
// monotonicity.
func (m *Manager) Ingest(ctx context.Context, sample models.LocationSample) error {
	if err := geo.Validate(models.Coord{Lat: sample.Lat, Lon: sample.Lon}); err != nil {
		observability.SamplesDroppedTotal.WithLabelValues("invalid").Inc()
		return err
	}
	ride, err := m.store.GetRide(ctx, sample.RideID)
	if err != nil {
		return err
	}
	if !lifecycle.Active(ride.Status) {
		observability.SamplesDroppedTotal.WithLabelValues("inactive").Inc()
		return ErrRideNotActive
	}

	rs := m.stream(sample.RideID)
	rs.mu.Lock()
	if rs.done {
		rs.mu.Unlock()
		observability.SamplesDroppedTotal.WithLabelValues("inactive").Inc()
		return ErrRideNotActive
	}
	if rs.last != nil && !sample.CapturedAt.After(rs.last.CapturedAt) {
		rs.mu.Unlock()
		observability.SamplesDroppedTotal.WithLabelValues("stale").Inc()
		m.logger.Debug("stale sample dropped", "ride_id", sample.RideID, "captured_at", sample.CapturedAt)
		return ErrStaleSample
	}
	cp := sample
	rs.last = &cp
	for sub := range rs.subs {
		offer(sub.ch, sample)
	}
	rs.mu.Unlock()

	observability.SamplesAcceptedTotal.Inc()
	if m.publisher != nil {
		if err := m.publisher.PublishSample(ctx, sample); err != nil {
			m.logger.Warn("sample publish failed", "ride_id", sample.RideID, "error", err)
		}
	}
	return nil
}

// Subscribe attaches to a ride's position stream. Only samples ingested
// after the subscription is created are delivered; there is no replay.
// The returned channel is closed when the ride reaches a terminal state.
func (m *Manager) Subscribe(ctx context.Context, rideID string) (*Subscription, error) {
	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if lifecycle.Terminal(ride.Status) {
		return nil, ErrRideNotActive
	}
	rs := m.stream(rideID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done {
		return nil, ErrRideNotActive
	}
	ch := make(chan models.LocationSample, m.bufSize)
	sub := &Subscription{C: ch, ch: ch, stream: rs}
	rs.subs[sub] = struct{}{}
	observability.StreamSubscribers.Inc()
	return sub, nil
}

// Current returns the ride's latest accepted position, if any.
func (m *Manager) Current(rideID string) (models.LocationSample, bool) {
	m.mu.RLock()
	rs, ok := m.streams[rideID]
	m.mu.RUnlock()
	if !ok {
		return models.LocationSample{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == nil {
		return models.LocationSample{}, false
	}
	return *rs.last, true
}

// tombstoneTTL keeps a closed stream's entry around long enough that a
// sample or subscriber racing the terminal transition cannot recreate
// the stream. After the TTL the store's status check is the guard.
const tombstoneTTL = time.Minute

// CloseRide tears down the ride's stream: every subscriber channel is
// closed (after discarding anything undelivered) and later ingests are
// refused. Called when the ride reaches a terminal status.
func (m *Manager) CloseRide(rideID string) {
	m.mu.Lock()
	rs, ok := m.streams[rideID]
	if !ok {
		rs = &rideStream{subs: make(map[*Subscription]struct{})}
		m.streams[rideID] = rs
	}
	m.mu.Unlock()

	rs.mu.Lock()
	rs.done = true
	for sub := range rs.subs {
		drainAndClose(sub.ch)
		observability.StreamSubscribers.Dec()
	}
	rs.subs = make(map[*Subscription]struct{})
	rs.mu.Unlock()

	time.AfterFunc(tombstoneTTL, func() {
		m.mu.Lock()
		if cur, ok := m.streams[rideID]; ok && cur == rs {
			delete(m.streams, rideID)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) stream(rideID string) *rideStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.streams[rideID]
	if !ok {
		rs = &rideStream{subs: make(map[*Subscription]struct{})}
		m.streams[rideID] = rs
	}
	return rs
}

// offer delivers without blocking: when the subscriber's buffer is full
// the oldest buffered sample is dropped so the newest wins.
func offer(ch chan models.LocationSample, s models.LocationSample) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func drainAndClose(ch chan models.LocationSample) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}
