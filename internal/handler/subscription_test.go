package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hallia/billing/internal/model"
	"github.com/hallia/billing/internal/store"
	billingstripe "github.com/hallia/billing/internal/stripe"
)

type subscriptionFixture struct {
	handler       *SubscriptionHandler
	processor     *fakeProcessor
	subscriptions *store.SubscriptionStore
}

// newSubscriptionFixture seeds user-1 with an active subscription carrying
// the given number of additional accounts, mirrored at the fake processor.
func newSubscriptionFixture(t *testing.T, additional int64) *subscriptionFixture {
	t.Helper()
	customers, subscriptions := newTestStores(t)

	if _, err := customers.Create("user-1", "user@example.com", "cus_123"); err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	periodEnd := time.Now().Add(20 * 24 * time.Hour).UTC().Truncate(time.Second)
	periodStart := periodEnd.Add(-30 * 24 * time.Hour)
	if _, err := subscriptions.Upsert(&model.Subscription{
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		PriceID:              "price_base",
		Status:               model.StatusActive,
		AdditionalAccounts:   additional,
		CurrentPeriodStart:   &periodStart,
		CurrentPeriodEnd:     &periodEnd,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	items := []billingstripe.Item{{ID: "si_base", PriceID: "price_base", Quantity: 1}}
	if additional > 0 {
		items = append(items, billingstripe.Item{ID: "si_extra", PriceID: "price_extra", Quantity: additional})
	}
	p := &fakeProcessor{
		cfg: testConfig(),
		sub: &billingstripe.Subscription{
			ID:                 "sub_123",
			CustomerID:         "cus_123",
			Status:             "active",
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodEnd,
			Items:              items,
		},
	}

	return &subscriptionFixture{
		handler:       NewSubscriptionHandler(p, customers, subscriptions, testLogger()),
		processor:     p,
		subscriptions: subscriptions,
	}
}

func (f *subscriptionFixture) update(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := authedRequest(http.MethodPost, "/api/stripe-update-subscription", body, "user-1", "user@example.com")
	rec := httptest.NewRecorder()
	f.handler.UpdateSubscription(rec, req)
	return rec
}

func TestUpdateSubscriptionAddsItem(t *testing.T) {
	f := newSubscriptionFixture(t, 0)

	rec := f.update(t, `{"additional_accounts": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp updateSubscriptionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Success || resp.AdditionalAccounts != 3 {
		t.Errorf("response = %+v", resp)
	}

	if f.processor.addCalls != 1 || f.processor.updateCalls != 0 || f.processor.removeCalls != 0 {
		t.Errorf("calls = add:%d update:%d remove:%d, want one add",
			f.processor.addCalls, f.processor.updateCalls, f.processor.removeCalls)
	}

	local, _ := f.subscriptions.GetByStripeSubscriptionID("sub_123")
	if local.AdditionalAccounts != 3 {
		t.Errorf("persisted additional accounts = %d, want 3", local.AdditionalAccounts)
	}
}

func TestUpdateSubscriptionChangesQuantity(t *testing.T) {
	f := newSubscriptionFixture(t, 2)

	rec := f.update(t, `{"additional_accounts": 5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if f.processor.updateCalls != 1 || f.processor.addCalls != 0 || f.processor.removeCalls != 0 {
		t.Errorf("calls = add:%d update:%d remove:%d, want one update",
			f.processor.addCalls, f.processor.updateCalls, f.processor.removeCalls)
	}

	local, _ := f.subscriptions.GetByStripeSubscriptionID("sub_123")
	if local.AdditionalAccounts != 5 {
		t.Errorf("persisted additional accounts = %d, want 5", local.AdditionalAccounts)
	}
}

func TestUpdateSubscriptionRemovesItem(t *testing.T) {
	f := newSubscriptionFixture(t, 4)

	rec := f.update(t, `{"additional_accounts": 0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if f.processor.removeCalls != 1 {
		t.Errorf("remove calls = %d, want 1", f.processor.removeCalls)
	}
	if f.processor.sub.ItemForPrice("price_extra") != nil {
		t.Error("extra item should be gone at the processor")
	}

	local, _ := f.subscriptions.GetByStripeSubscriptionID("sub_123")
	if local.AdditionalAccounts != 0 {
		t.Errorf("persisted additional accounts = %d, want 0", local.AdditionalAccounts)
	}
}

func TestUpdateSubscriptionIdempotent(t *testing.T) {
	f := newSubscriptionFixture(t, 2)

	// Desired equals current: no mutation, response still succeeds.
	rec := f.update(t, `{"additional_accounts": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp updateSubscriptionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Message != "no change" || resp.AdditionalAccounts != 2 {
		t.Errorf("response = %+v", resp)
	}
	if f.processor.addCalls+f.processor.updateCalls+f.processor.removeCalls != 0 {
		t.Error("no processor mutation expected when quantity already matches")
	}

	// A change followed by an identical retry mutates exactly once.
	f.update(t, `{"additional_accounts": 6}`)
	f.update(t, `{"additional_accounts": 6}`)
	if f.processor.updateCalls != 1 {
		t.Errorf("update calls = %d, want 1", f.processor.updateCalls)
	}
}

func TestUpdateSubscriptionValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing field", `{}`, http.StatusBadRequest},
		{"negative", `{"additional_accounts": -1}`, http.StatusBadRequest},
		{"malformed", `{oops`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSubscriptionFixture(t, 1)
			rec := f.update(t, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if f.processor.addCalls+f.processor.updateCalls+f.processor.removeCalls != 0 {
				t.Error("invalid request must not reach the processor")
			}
		})
	}
}

func TestUpdateSubscriptionPreconditions(t *testing.T) {
	t.Run("no customer", func(t *testing.T) {
		customers, subscriptions := newTestStores(t)
		h := NewSubscriptionHandler(&fakeProcessor{cfg: testConfig()}, customers, subscriptions, testLogger())
		req := authedRequest(http.MethodPost, "/api/stripe-update-subscription",
			`{"additional_accounts": 1}`, "user-1", "user@example.com")
		rec := httptest.NewRecorder()
		h.UpdateSubscription(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("no subscription", func(t *testing.T) {
		customers, subscriptions := newTestStores(t)
		customers.Create("user-1", "user@example.com", "cus_123")
		h := NewSubscriptionHandler(&fakeProcessor{cfg: testConfig()}, customers, subscriptions, testLogger())
		req := authedRequest(http.MethodPost, "/api/stripe-update-subscription",
			`{"additional_accounts": 1}`, "user-1", "user@example.com")
		rec := httptest.NewRecorder()
		h.UpdateSubscription(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("not billable", func(t *testing.T) {
		f := newSubscriptionFixture(t, 1)
		f.subscriptions.UpdateStatus("sub_123", model.StatusCanceled)
		rec := f.update(t, `{"additional_accounts": 2}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		if f.processor.addCalls+f.processor.updateCalls+f.processor.removeCalls != 0 {
			t.Error("canceled subscription must not be mutated")
		}
	})
}

func TestCancelSubscription(t *testing.T) {
	f := newSubscriptionFixture(t, 1)

	req := authedRequest(http.MethodPost, "/api/stripe-cancel-subscription", "", "user-1", "user@example.com")
	rec := httptest.NewRecorder()
	f.handler.CancelSubscription(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp cancelSubscriptionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Success || !resp.CancelAtPeriodEnd {
		t.Errorf("response = %+v", resp)
	}
	if resp.CurrentPeriodEnd != f.processor.sub.CurrentPeriodEnd.Unix() {
		t.Errorf("period end = %d, want %d", resp.CurrentPeriodEnd, f.processor.sub.CurrentPeriodEnd.Unix())
	}

	local, _ := f.subscriptions.GetByStripeSubscriptionID("sub_123")
	if !local.CancelAtPeriodEnd {
		t.Error("cancel flag not persisted")
	}
	// Subscription remains billable until the processor reports otherwise.
	if local.Status != model.StatusActive {
		t.Errorf("status = %q, want active", local.Status)
	}
}

func TestCancelSubscriptionNoPeriodBounds(t *testing.T) {
	customers, subscriptions := newTestStores(t)
	if _, err := customers.Create("user-1", "user@example.com", "cus_123"); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if _, err := subscriptions.Upsert(&model.Subscription{
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		PriceID:              "price_base",
		Status:               model.StatusActive,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	p := &fakeProcessor{
		cfg: testConfig(),
		sub: &billingstripe.Subscription{
			ID:         "sub_123",
			CustomerID: "cus_123",
			Status:     "active",
			Items:      []billingstripe.Item{{ID: "si_base", PriceID: "price_base", Quantity: 1}},
		},
	}
	h := NewSubscriptionHandler(p, customers, subscriptions, testLogger())

	req := authedRequest(http.MethodPost, "/api/stripe-cancel-subscription", "", "user-1", "user@example.com")
	rec := httptest.NewRecorder()
	h.CancelSubscription(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// With no period bounds anywhere, the response reports 0, not the unix
	// value of the zero time.
	var resp cancelSubscriptionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.CurrentPeriodEnd != 0 {
		t.Errorf("period end = %d, want 0", resp.CurrentPeriodEnd)
	}
	if !resp.CancelAtPeriodEnd {
		t.Error("cancel flag not set")
	}
}

func TestCancelSubscriptionNotBillable(t *testing.T) {
	f := newSubscriptionFixture(t, 0)
	f.subscriptions.UpdateStatus("sub_123", model.StatusPastDue)

	req := authedRequest(http.MethodPost, "/api/stripe-cancel-subscription", "", "user-1", "user@example.com")
	rec := httptest.NewRecorder()
	f.handler.CancelSubscription(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
