package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/hallia/billing/internal/database"
	"github.com/hallia/billing/internal/store"
	billingstripe "github.com/hallia/billing/internal/stripe"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() billingstripe.Config {
	return billingstripe.Config{
		SecretKey:         "sk_test",
		WebhookSecret:     "whsec_test",
		BasePriceID:       "price_base",
		AdditionalPriceID: "price_extra",
		SuccessURL:        "https://app.example.com/settings/billing?checkout=success",
		UpgradeSuccessURL: "https://app.example.com/settings/billing?upgrade=success",
		CancelURL:         "https://app.example.com/settings/billing",
		PortalReturnURL:   "https://app.example.com/settings/billing",
	}
}

func newTestStores(t *testing.T) (*store.CustomerStore, *store.SubscriptionStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewCustomerStore(db), store.NewSubscriptionStore(db)
}

// fakeProcessor implements Processor with an in-memory subscription so
// mutations are visible to subsequent reads, the way the live processor is.
type fakeProcessor struct {
	cfg billingstripe.Config

	sub    *billingstripe.Subscription
	getErr error

	customerSeq       int
	createCustomerErr error
	createdCustomers  []string

	checkoutURL      string
	checkoutRequests []billingstripe.CheckoutParams

	portalURL        string
	portalReturnURLs []string

	addCalls    int
	updateCalls int
	removeCalls int
	mutateErr   error

	cancelErr error

	products []billingstripe.Product

	event    stripe.Event
	eventErr error

	itemSeq int
}

func (p *fakeProcessor) Config() billingstripe.Config { return p.cfg }

func (p *fakeProcessor) CreateCustomer(_ context.Context, email, userID string) (string, error) {
	if p.createCustomerErr != nil {
		return "", p.createCustomerErr
	}
	p.customerSeq++
	id := fmt.Sprintf("cus_%d", p.customerSeq)
	p.createdCustomers = append(p.createdCustomers, id)
	return id, nil
}

func (p *fakeProcessor) CreateCheckoutSession(_ context.Context, params billingstripe.CheckoutParams) (string, error) {
	p.checkoutRequests = append(p.checkoutRequests, params)
	return p.checkoutURL, nil
}

func (p *fakeProcessor) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	p.portalReturnURLs = append(p.portalReturnURLs, returnURL)
	return p.portalURL, nil
}

func (p *fakeProcessor) GetSubscription(_ context.Context, id string) (*billingstripe.Subscription, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	if p.sub == nil || p.sub.ID != id {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	snap := *p.sub
	snap.Items = append([]billingstripe.Item(nil), p.sub.Items...)
	return &snap, nil
}

func (p *fakeProcessor) AddItem(_ context.Context, subscriptionID, priceID string, quantity int64) error {
	if p.mutateErr != nil {
		return p.mutateErr
	}
	p.addCalls++
	p.itemSeq++
	p.sub.Items = append(p.sub.Items, billingstripe.Item{
		ID:       fmt.Sprintf("si_%d", p.itemSeq),
		PriceID:  priceID,
		Quantity: quantity,
	})
	return nil
}

func (p *fakeProcessor) UpdateItemQuantity(_ context.Context, itemID string, quantity int64) error {
	if p.mutateErr != nil {
		return p.mutateErr
	}
	p.updateCalls++
	for i := range p.sub.Items {
		if p.sub.Items[i].ID == itemID {
			p.sub.Items[i].Quantity = quantity
			return nil
		}
	}
	return fmt.Errorf("no such item: %s", itemID)
}

func (p *fakeProcessor) RemoveItem(_ context.Context, itemID string) error {
	if p.mutateErr != nil {
		return p.mutateErr
	}
	p.removeCalls++
	for i := range p.sub.Items {
		if p.sub.Items[i].ID == itemID {
			p.sub.Items = append(p.sub.Items[:i], p.sub.Items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such item: %s", itemID)
}

func (p *fakeProcessor) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string) (*billingstripe.Subscription, error) {
	if p.cancelErr != nil {
		return nil, p.cancelErr
	}
	p.sub.CancelAtPeriodEnd = true
	snap := *p.sub
	return &snap, nil
}

func (p *fakeProcessor) ListProducts(_ context.Context) ([]billingstripe.Product, error) {
	return p.products, nil
}

func (p *fakeProcessor) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if p.eventErr != nil {
		return stripe.Event{}, p.eventErr
	}
	return p.event, nil
}

func authedRequest(method, target, body, userID, email string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: userID, Email: email}))
	}
	return req
}
