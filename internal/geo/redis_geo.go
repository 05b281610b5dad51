package geo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisDirectory implements Directory using Redis GEO commands, one geo
// set per vehicle class plus a metadata hash per driver.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	radius float64 // meters
}

func NewRedisDirectory(addr, password, prefix string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, prefix: prefix, radius: 5000}
}

func (r *RedisDirectory) Upsert(ctx context.Context, d models.Driver) error {
	if err := Validate(d.Loc); err != nil {
		return err
	}
	if err := r.client.GeoAdd(ctx, r.geoKey(d.VehicleClass), &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.ID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, r.metaKey(d.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"class":   string(d.VehicleClass),
		"online":  strconv.FormatBool(d.Online),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisDirectory) FindAvailable(ctx context.Context, class models.VehicleClass, near models.Coord, limit int) ([]models.Driver, error) {
	if err := Validate(near); err != nil {
		return nil, err
	}
	res, err := r.client.GeoRadius(ctx, r.geoKey(class), near.Lon, near.Lat, &redis.GeoRadiusQuery{
		Radius:    r.radius,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, VehicleClass: class}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(ctx, r.metaKey(g.Name)).Result()
		if err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
			d.Online = m["online"] == "true"
		}
		if !d.Online {
			continue
		}
		out = append(out, d)
	}
	// GEORADIUS orders by distance; equal distances come back in an
	// unspecified order, so re-break ties by id for determinism.
	sort.SliceStable(out, func(i, j int) bool {
		di := Haversine(near.Lat, near.Lon, out[i].Loc.Lat, out[i].Loc.Lon)
		dj := Haversine(near.Lat, near.Lon, out[j].Loc.Lat, out[j].Loc.Lon)
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *RedisDirectory) geoKey(class models.VehicleClass) string {
	return r.prefix + ":geo:" + string(class)
}

func (r *RedisDirectory) metaKey(id string) string {
	return r.prefix + ":meta:" + id
}
