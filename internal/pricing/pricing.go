// Package pricing computes fare estimates and final fares. Amounts are
// XAF minor units; pure functions of their inputs, no persistence.
package pricing

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const Currency = "XAF"

// rates per vehicle class, in FCFA.
var (
	baseFare = map[models.VehicleClass]float64{
		models.VehicleStandard: 500,
		models.VehicleComfort:  800,
		models.VehiclePremium:  1200,
		models.VehicleVan:      1500,
	}
	perKm = map[models.VehicleClass]float64{
		models.VehicleStandard: 100,
		models.VehicleComfort:  150,
		models.VehiclePremium:  200,
		models.VehicleVan:      250,
	}
	perMin = map[models.VehicleClass]float64{
		models.VehicleStandard: 50,
		models.VehicleComfort:  75,
		models.VehiclePremium:  100,
		models.VehicleVan:      125,
	}
)

// TimeOfDay selects the single demand multiplier applied to the fare
// subtotal. Exactly one band applies to a request.
type TimeOfDay string

const (
	TimeNight    TimeOfDay = "night"
	TimePeak     TimeOfDay = "peak"
	TimeLunch    TimeOfDay = "lunch"
	TimeOffPeak  TimeOfDay = "off_peak"
	TimeStandard TimeOfDay = "standard"
)

var timeMultiplier = map[TimeOfDay]float64{
	TimeNight:    1.25,
	TimePeak:     1.15,
	TimeLunch:    1.10,
	TimeOffPeak:  0.95,
	TimeStandard: 1.0,
}

// promoDiscount maps known promo codes to their fractional discount.
// Unknown codes are ignored, not errors.
var promoDiscount = map[string]float64{
	"BIENVENUE": 0.20,
	"WEEKEND":   0.15,
	"FIDELE":    0.10,
	"BUSINESS":  0.25,
}

var loyaltyDiscount = map[string]float64{
	"bronze": 0.03,
	"silver": 0.05,
	"gold":   0.08,
}

// Display range around the point estimate: -10% / +15%.
const (
	rangeLowPct  = 0.10
	rangeHighPct = 0.15
)

type Estimate struct {
	Point    int64  `json:"point"`
	Min      int64  `json:"min"`
	Max      int64  `json:"max"`
	Currency string `json:"currency"`
}

// BandFor maps a clock time to its time-of-day band. First match wins:
// night, peak, lunch, off-peak, standard.
func BandFor(t time.Time) TimeOfDay {
	mins := t.Hour()*60 + t.Minute()
	switch {
	case mins >= 22*60 || mins < 6*60:
		return TimeNight
	case (mins >= 6*60+30 && mins < 9*60+30) || (mins >= 16*60+30 && mins < 19*60+30):
		return TimePeak
	case mins >= 11*60+30 && mins < 14*60:
		return TimeLunch
	case mins >= 14*60 && mins < 16*60+30:
		return TimeOffPeak
	default:
		return TimeStandard
	}
}

// Quote computes the price estimate for a ride. Order is fixed: base +
// distance + time subtotal, then the time-of-day multiplier, then at
// most one promo discount, then at most one loyalty discount, each
// multiplicative. The point is rounded to the nearest 100 minor units.
func Quote(distanceKm, durationMin float64, class models.VehicleClass, tod TimeOfDay, promoCode, loyaltyTier string) Estimate {
	point := compute(distanceKm, durationMin, class, tod, promoCode, loyaltyTier)
	return Estimate{
		Point:    point,
		Min:      roundTo100(float64(point) * (1 - rangeLowPct)),
		Max:      roundTo100(float64(point) * (1 + rangeHighPct)),
		Currency: Currency,
	}
}

// Finalize recomputes the fare from actual distance and duration at
// completion. This is the only value a completed ride's price may take.
func Finalize(r *models.Ride, actualDistanceKm, actualDurationMin float64) models.Money {
	tod := BandFor(r.CreatedAt)
	amount := compute(actualDistanceKm, actualDurationMin, r.VehicleClass, tod, r.PromoCode, r.LoyaltyTier)
	return models.Money{Amount: amount, Currency: Currency}
}

func compute(distanceKm, durationMin float64, class models.VehicleClass, tod TimeOfDay, promoCode, loyaltyTier string) int64 {
	if distanceKm < 0 {
		distanceKm = 0
	}
	if durationMin < 0 {
		durationMin = 0
	}
	base, ok := baseFare[class]
	if !ok {
		base = baseFare[models.VehicleStandard]
		class = models.VehicleStandard
	}
	subtotal := base + perKm[class]*distanceKm + perMin[class]*durationMin

	mult, ok := timeMultiplier[tod]
	if !ok {
		mult = 1.0
	}
	v := subtotal * mult
	if d, ok := promoDiscount[promoCode]; ok {
		v *= 1 - d
	}
	if d, ok := loyaltyDiscount[loyaltyTier]; ok {
		v *= 1 - d
	}
	return roundTo100(v)
}

// roundTo100 rounds to the nearest 100 minor units for fare stability.
func roundTo100(v float64) int64 {
	if v < 0 {
		return 0
	}
	return int64(math.Round(v/100.0)) * 100
}
