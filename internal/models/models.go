package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a coordinate plus the human-readable address riders see.
type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type VehicleClass string

const (
	VehicleStandard VehicleClass = "standard"
	VehicleComfort  VehicleClass = "comfort"
	VehiclePremium  VehicleClass = "premium"
	VehicleVan      VehicleClass = "van"
)

type RideStatus string

const (
	StatusRequested     RideStatus = "requested"
	StatusAssigned      RideStatus = "assigned"
	StatusDriverEnRoute RideStatus = "driver_en_route"
	StatusDriverArrived RideStatus = "driver_arrived"
	StatusInProgress    RideStatus = "in_progress"
	StatusCompleted     RideStatus = "completed"
	StatusCancelled     RideStatus = "cancelled"
	StatusRejected      RideStatus = "rejected"
)

type Money struct {
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
}

type Ride struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	DriverID     *string      `json:"driver_id,omitempty"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Status       RideStatus   `json:"status"`
	Pickup       Location     `json:"pickup"`
	Destination  Location     `json:"destination"`

	EstimatedFare Money  `json:"estimated_fare"`
	FinalFare     *Money `json:"final_fare,omitempty"`
	PromoCode     string `json:"promo_code,omitempty"`
	LoyaltyTier   string `json:"loyalty_tier,omitempty"`

	// Payment hold placed at request time, captured at completion.
	PaymentIntentID string `json:"payment_intent_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	EnRouteAt   *time.Time `json:"en_route_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancellationReason string `json:"cancellation_reason,omitempty"`
	CancelledBy        string `json:"cancelled_by,omitempty"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
}

type AssignmentStatus string

const (
	AssignmentPending  AssignmentStatus = "pending"
	AssignmentAccepted AssignmentStatus = "accepted"
	AssignmentRejected AssignmentStatus = "rejected"
	AssignmentExpired  AssignmentStatus = "expired"
)

// AssignmentRequest is one offer of a ride to one candidate driver.
// Many may exist per ride; at most one may ever be accepted.
type AssignmentRequest struct {
	ID          string           `json:"id"`
	RideID      string           `json:"ride_id"`
	DriverID    string           `json:"driver_id"`
	Attempt     int              `json:"attempt"`
	Status      AssignmentStatus `json:"status"`
	RequestedAt time.Time        `json:"requested_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

// LocationSample is a single GPS report from an assigned driver's device.
type LocationSample struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	SpeedMps   float64   `json:"speed_mps,omitempty"`
	HeadingDeg float64   `json:"heading_deg,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

type Driver struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Rating       float64      `json:"rating"` // 0..5
	Online       bool         `json:"online"`
	Updated      time.Time    `json:"updated"`
}
