package eta

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateDurationMinutes(t *testing.T) {
	// 28 km at 28 km/h is exactly one hour for the standard class.
	got := EstimateDurationMinutes(28, models.VehicleStandard)
	if got != 60 {
		t.Fatalf("expected 60, got %f", got)
	}
}

func TestEstimateDurationUnknownClassFallsBack(t *testing.T) {
	got := EstimateDurationMinutes(28, models.VehicleClass("hoverboard"))
	if got != 60 {
		t.Fatalf("expected default speed fallback of 60 min, got %f", got)
	}
}

func TestEstimateDurationNeverNegative(t *testing.T) {
	if got := EstimateDurationMinutes(-5, models.VehicleVan); got != 0 {
		t.Fatalf("expected 0 for negative distance, got %f", got)
	}
	if got := EstimateDurationMinutes(0, models.VehicleVan); got != 0 {
		t.Fatalf("expected 0 for zero distance, got %f", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}
	c.Set(a, b, 42)
	if v, ok := c.Get(a, b); !ok || v != 42 {
		t.Fatalf("expected hit 42, got %f ok=%v", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected entry to expire")
	}
}
