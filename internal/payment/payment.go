// Package payment issues refunds against the original online payment.
package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"
)

type RefundRequest struct {
	PaymentReference string
	Amount           decimal.Decimal
	IdempotencyKey   string
}

type RefundResult struct {
	ID     string
	Status string
}

type Gateway interface {
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// StripeGateway refunds a Stripe payment intent through its own client.
type StripeGateway struct {
	client *stripe.Client
}

func NewStripeGateway(secretKey string, opts ...stripe.ClientOption) *StripeGateway {
	return &StripeGateway{client: stripe.NewClient(secretKey, opts...)}
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, err
	}
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(MinorUnits(req.Amount)),
		Reason:        stripe.String("requested_by_customer"),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := g.client.V1Refunds.Create(ctx, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RefundResult{}, fmt.Errorf("stripe refund for %s: %w: %w", req.PaymentReference, ctxErr, err)
		}
		return RefundResult{}, fmt.Errorf("stripe refund for %s: %w", req.PaymentReference, err)
	}
	return RefundResult{ID: r.ID, Status: string(r.Status)}, nil
}

// MinorUnits converts an amount to cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
