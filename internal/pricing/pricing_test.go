package pricing

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestQuoteLunchStandard(t *testing.T) {
	// 10 km, 20 min, standard, lunch, no promo/loyalty:
	// 500 + 100*10 + 50*20 = 2500, *1.10 = 2750, rounded to nearest 100 = 2800.
	got := Quote(10, 20, models.VehicleStandard, TimeLunch, "", "")
	if got.Point != 2800 {
		t.Fatalf("point = %d, want 2800", got.Point)
	}
	if got.Currency != "XAF" {
		t.Fatalf("currency = %s", got.Currency)
	}
}

func TestQuoteRangeWidensPoint(t *testing.T) {
	got := Quote(10, 20, models.VehicleStandard, TimeStandard, "", "")
	// point 2500: min 2500*0.9=2250 -> 2300 (round half up), max 2500*1.15=2875 -> 2900
	if got.Point != 2500 {
		t.Fatalf("point = %d", got.Point)
	}
	if got.Min != 2300 || got.Max != 2900 {
		t.Fatalf("range = [%d, %d], want [2300, 2900]", got.Min, got.Max)
	}
	if got.Min > got.Point || got.Max < got.Point {
		t.Fatal("range must contain the point estimate")
	}
}

func TestQuoteDiscountsMultiplicativeInOrder(t *testing.T) {
	// 2500 * 1.25 (night) = 3125, * 0.80 (BIENVENUE) = 2500, * 0.95 (silver) = 2375 -> 2400
	got := Quote(10, 20, models.VehicleStandard, TimeNight, "BIENVENUE", "silver")
	if got.Point != 2400 {
		t.Fatalf("point = %d, want 2400", got.Point)
	}
}

func TestQuoteUnknownPromoIgnored(t *testing.T) {
	with := Quote(10, 20, models.VehicleStandard, TimeStandard, "NOT_A_CODE", "")
	without := Quote(10, 20, models.VehicleStandard, TimeStandard, "", "")
	if with.Point != without.Point {
		t.Fatalf("unknown promo changed the fare: %d vs %d", with.Point, without.Point)
	}
}

func TestQuoteVehicleClasses(t *testing.T) {
	tests := []struct {
		class models.VehicleClass
		want  int64
	}{
		{models.VehicleStandard, 2500}, // 500 + 1000 + 1000
		{models.VehicleComfort, 3800},  // 800 + 1500 + 1500
		{models.VehiclePremium, 5200},  // 1200 + 2000 + 2000
		{models.VehicleVan, 6500},      // 1500 + 2500 + 2500
	}
	for _, tt := range tests {
		got := Quote(10, 20, tt.class, TimeStandard, "", "")
		if got.Point != tt.want {
			t.Errorf("%s: point = %d, want %d", tt.class, got.Point, tt.want)
		}
	}
}

func TestBandFor(t *testing.T) {
	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
	}
	tests := []struct {
		at   time.Time
		want TimeOfDay
	}{
		{day(23, 0), TimeNight},
		{day(3, 30), TimeNight},
		{day(7, 0), TimePeak},
		{day(17, 15), TimePeak},
		{day(12, 30), TimeLunch},
		{day(15, 0), TimeOffPeak},
		{day(10, 0), TimeStandard},
		{day(20, 0), TimeStandard},
	}
	for _, tt := range tests {
		if got := BandFor(tt.at); got != tt.want {
			t.Errorf("BandFor(%s) = %s, want %s", tt.at.Format("15:04"), got, tt.want)
		}
	}
}

func TestFinalizeUsesActuals(t *testing.T) {
	r := &models.Ride{
		VehicleClass: models.VehicleStandard,
		CreatedAt:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), // lunch
		PromoCode:    "",
		LoyaltyTier:  "",
	}
	got := Finalize(r, 12, 25)
	// 500 + 1200 + 1250 = 2950, *1.10 = 3245 -> 3200
	if got.Amount != 3200 {
		t.Fatalf("final = %d, want 3200", got.Amount)
	}
	if got.Currency != "XAF" {
		t.Fatalf("currency = %s", got.Currency)
	}
}
