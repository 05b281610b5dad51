package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrInvalidCoordinate is returned for positions outside the valid
// lat/lon ranges. Invalid coordinates are rejected at the boundary and
// never persisted.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Directory is the driver lookup interface used by the dispatch
// coordinator: available drivers of a vehicle class near a point.
type Directory interface {
	FindAvailable(ctx context.Context, class models.VehicleClass, near models.Coord, limit int) ([]models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Validate checks a coordinate against the valid lat/lon ranges.
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return ErrInvalidCoordinate
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// DistanceKm returns the haversine great-circle distance in kilometers.
func DistanceKm(a, b models.Coord) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000.0, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Index is an in-memory Directory for tests and single-node runs.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	if err := Validate(d.Loc); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

// FindAvailable scans all online drivers of the class and returns the
// closest ones, ascending by distance with ties broken by driver id so
// candidate order is deterministic. Naive scan; in prod use the Redis
// GEO directory.
func (g *Index) FindAvailable(_ context.Context, class models.VehicleClass, near models.Coord, limit int) ([]models.Driver, error) {
	if err := Validate(near); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || d.VehicleClass != class {
			continue
		}
		dist := Haversine(near.Lat, near.Lon, d.Loc.Lat, d.Loc.Lon)
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}
