package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	geoKeys  []string
	metaKeys []string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.geoKeys = append(f.geoKeys, key)
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	f.metaKeys = append(f.metaKeys, key)
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func testDriver() *models.Driver {
	return &models.Driver{
		ID:           "d1",
		Loc:          models.Coord{Lat: -4.26, Lon: 15.24},
		VehicleClass: models.VehicleComfort,
		Rating:       4.5,
		Online:       true,
	}
}

func TestUpdateDirectoryWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	if err := updateDirectoryWithRetry(context.Background(), f, "drivers", testDriver(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateDirectoryWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	if err := updateDirectoryWithRetry(context.Background(), f, "drivers", testDriver(), 3, 5*time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
}

func TestUpdateDirectoryWritesClassKeyedSets(t *testing.T) {
	f := &fakeUpdater{}
	if err := updateDirectoryWithRetry(context.Background(), f, "drivers", testDriver(), 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(f.geoKeys) != 1 || f.geoKeys[0] != "drivers:geo:comfort" {
		t.Fatalf("geo key = %v", f.geoKeys)
	}
	if len(f.metaKeys) != 1 || f.metaKeys[0] != "drivers:meta:d1" {
		t.Fatalf("meta key = %v", f.metaKeys)
	}

	// unknown class falls back to standard
	f = &fakeUpdater{}
	d := testDriver()
	d.VehicleClass = ""
	if err := updateDirectoryWithRetry(context.Background(), f, "drivers", d, 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(f.geoKeys[0], ":geo:standard") {
		t.Fatalf("fallback key = %v", f.geoKeys)
	}
}
