package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// FareCharger places a hold for the estimated fare when a ride is
// requested and settles or releases it when the ride ends.
type FareCharger interface {
	HoldFare(ctx context.Context, rideID string, amount models.Money, riderID string) (string, error)
	CaptureFare(ctx context.Context, paymentIntentID string, amount models.Money) error
	ReleaseFare(ctx context.Context, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{}
}

// HoldFare creates a PaymentIntent with capture_method=manual for the
// estimated fare. The ride id travels in metadata for reconciliation.
func (s *StripeClient) HoldFare(ctx context.Context, rideID string, amount models.Money, riderID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Amount),
		Currency: stripe.String(amount.Currency),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// CaptureFare settles a held PaymentIntent for the final fare, which
// may differ from the held amount after actuals are known.
func (s *StripeClient) CaptureFare(ctx context.Context, paymentIntentID string, amount models.Money) error {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amount.Amount),
	}
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// ReleaseFare cancels the hold, returning funds to the rider.
func (s *StripeClient) ReleaseFare(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
