package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Compile-time check that StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)

// StripeProvider creates hosted Stripe Checkout sessions and verifies
// webhook signatures. Signature verification is the only authentication on
// the webhook endpoint, so the tolerance window is kept tight.
type StripeProvider struct {
	secretKey        string
	webhookSecret    string
	successURL       string
	cancelURL        string
	webhookTolerance time.Duration
}

// NewStripeProvider creates a Stripe payment provider.
func NewStripeProvider(secretKey, webhookSecret, successURL, cancelURL string) *StripeProvider {
	return &StripeProvider{
		secretKey:        secretKey,
		webhookSecret:    webhookSecret,
		successURL:       successURL,
		cancelURL:        cancelURL,
		webhookTolerance: 5 * time.Minute,
	}
}

// CreateSession creates a one-time-payment Checkout session for the quoted
// amount. The purchase ID travels as ClientReferenceID and metadata so the
// completion webhook can find the pending purchase without a lookup table.
func (s *StripeProvider) CreateSession(ctx context.Context, sess Session) (string, string, error) {
	stripe.Key = s.secretKey

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		ClientReferenceID: stripe.String(sess.PurchaseID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(sess.Currency),
					UnitAmount: stripe.Int64(int64(sess.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(sess.PlanID),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"purchase_id": sess.PurchaseID,
			"plan_id":     sess.PlanID,
		},
	}
	params.Context = ctx
	// Stripe-level idempotency: a retried initiate reuses the same session.
	params.IdempotencyKey = stripe.String(sess.PurchaseID)

	created, err := checkoutsession.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	return created.URL, created.ID, nil
}

// VerifyEvent checks the Stripe-Signature header against the raw payload and
// returns the parsed event.
func (s *StripeProvider) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithTolerance(payload, sigHeader, s.webhookSecret, s.webhookTolerance)
}
