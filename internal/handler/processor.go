package handler

import (
	"context"

	stripe "github.com/stripe/stripe-go/v82"

	billingstripe "github.com/hallia/billing/internal/stripe"
)

// Processor is the payment-processor surface the handlers need. Satisfied by
// *billingstripe.Client; tests substitute a stub.
type Processor interface {
	Config() billingstripe.Config
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, p billingstripe.CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, id string) (*billingstripe.Subscription, error)
	AddItem(ctx context.Context, subscriptionID, priceID string, quantity int64) error
	UpdateItemQuantity(ctx context.Context, itemID string, quantity int64) error
	RemoveItem(ctx context.Context, itemID string) error
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*billingstripe.Subscription, error)
	ListProducts(ctx context.Context) ([]billingstripe.Product, error)
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}
