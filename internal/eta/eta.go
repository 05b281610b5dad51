package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used to get road ETAs from a routing engine.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// avgSpeedKmh is the fixed average-speed table per vehicle class used
// when no routing engine is configured.
var avgSpeedKmh = map[models.VehicleClass]float64{
	models.VehicleStandard: 28,
	models.VehicleComfort:  30,
	models.VehiclePremium:  32,
	models.VehicleVan:      24,
}

const defaultSpeedKmh = 28

// EstimateDurationMinutes converts a distance into a duration estimate
// using the average-speed table. Never errors; unknown classes fall back
// to the default city speed and negative distances clamp to zero.
func EstimateDurationMinutes(distanceKm float64, class models.VehicleClass) float64 {
	if distanceKm <= 0 {
		return 0
	}
	speed, ok := avgSpeedKmh[class]
	if !ok {
		speed = defaultSpeedKmh
	}
	return distanceKm / speed * 60
}

// EstimateSeconds is the naive driver-to-pickup ETA used when scoring
// dispatch candidates without a routing engine.
func EstimateSeconds(from, to models.Coord, class models.VehicleClass) float64 {
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / 1000.0
	return EstimateDurationMinutes(d, class) * 60
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
