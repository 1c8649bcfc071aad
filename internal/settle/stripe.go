package settle

import (
	"context"
	"os"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/payout"

	"github.com/example/escrow-dispatch/internal/apperr"
)

// StripeRail settles card/bank withdrawals through Stripe payouts.
type StripeRail struct{}

// NewStripeRail initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeRail() *StripeRail {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeRail{}
}

func (s *StripeRail) ProcessWithdrawal(ctx context.Context, amount int64, currency string, details Details) (string, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	if dest := details["destination"]; dest != "" {
		params.Destination = stripe.String(dest)
	}
	po, err := payout.New(params)
	if err != nil {
		return "", apperr.External("stripe payout", err)
	}
	return po.ID, nil
}
