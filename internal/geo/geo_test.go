package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmOneDegreeAtEquator(t *testing.T) {
	// Two points 1 degree of longitude apart on the equator are ~111 km apart.
	d, err := DistanceKm(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("expected ~111.19 km, got %f", d)
	}
}

func TestDistanceKmInvalidCoordinate(t *testing.T) {
	bad := []models.Coord{
		{Lat: 91, Lon: 0},
		{Lat: -91, Lon: 0},
		{Lat: 0, Lon: 181},
		{Lat: 0, Lon: -181},
		{Lat: math.NaN(), Lon: 0},
	}
	for _, c := range bad {
		if _, err := DistanceKm(c, models.Coord{}); err != ErrInvalidCoordinate {
			t.Fatalf("coord %+v: expected ErrInvalidCoordinate, got %v", c, err)
		}
	}
}

func TestIndexFindAvailableOrdering(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	seed := []models.Driver{
		{ID: "far", Loc: models.Coord{Lat: -4.30, Lon: 15.30}, VehicleClass: models.VehicleStandard, Online: true},
		{ID: "near", Loc: models.Coord{Lat: -4.2640, Lon: 15.2430}, VehicleClass: models.VehicleStandard, Online: true},
		{ID: "offline", Loc: models.Coord{Lat: -4.2635, Lon: 15.2429}, VehicleClass: models.VehicleStandard, Online: false},
		{ID: "van", Loc: models.Coord{Lat: -4.2635, Lon: 15.2429}, VehicleClass: models.VehicleVan, Online: true},
	}
	for _, d := range seed {
		if err := idx.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.ID, err)
		}
	}

	got, err := idx.FindAvailable(ctx, models.VehicleStandard, models.Coord{Lat: -4.2634, Lon: 15.2429}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "far" {
		t.Fatalf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestIndexFindAvailableTieBrokenByID(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	same := models.Coord{Lat: -4.2634, Lon: 15.2429}
	for _, id := range []string{"b", "a", "c"} {
		_ = idx.Upsert(ctx, models.Driver{ID: id, Loc: same, VehicleClass: models.VehicleStandard, Online: true})
	}
	got, err := idx.FindAvailable(ctx, models.VehicleStandard, same, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("expected a,b,c got %s,%s,%s", got[0].ID, got[1].ID, got[2].ID)
	}
}
