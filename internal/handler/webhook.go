package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/hallia/billing/internal/email"
	"github.com/hallia/billing/internal/model"
	billingstripe "github.com/hallia/billing/internal/stripe"
	"github.com/hallia/billing/internal/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler is the sole writer of authoritative subscription state.
// Every write is a full-state overwrite keyed by a natural unique id, so
// redelivered events apply idempotently.
type WebhookHandler struct {
	processor     Processor
	customers     *store.CustomerStore
	subscriptions *store.SubscriptionStore
	emailClient   *email.Client
	logger        *slog.Logger
}

func NewWebhookHandler(
	p Processor,
	cs *store.CustomerStore,
	ss *store.SubscriptionStore,
	ec *email.Client,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		processor:     p,
		customers:     cs,
		subscriptions: ss,
		emailClient:   ec,
		logger:        logger,
	}
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// HandleWebhook verifies the event signature, dispatches on event type, and
// acknowledges with {received: true}. A processing failure returns 500 so the
// processor redelivers; idempotent handlers make redelivery safe.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	event, err := h.processor.ConstructWebhookEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	if err := h.handleEvent(r, event); err != nil {
		h.logger.Error("webhook processing failed",
			"event_id", event.ID,
			"type", string(event.Type),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event stripe.Event) error {
	eventTime := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed":
		var sess model.CheckoutSessionEvent
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return h.handleCheckoutCompleted(r, sess, eventTime)

	case "customer.subscription.updated":
		var sub model.SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionUpdated(sub, eventTime)

	case "customer.subscription.deleted":
		var sub model.SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionDeleted(sub)

	case "invoice.payment_succeeded":
		var inv model.InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.handleInvoicePaymentSucceeded(inv)

	case "invoice.payment_failed":
		var inv model.InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.handleInvoicePaymentFailed(inv)

	default:
		h.logger.Info("webhook ignored", "type", string(event.Type), "event_id", event.ID)
		return nil
	}
}

// handleCheckoutCompleted creates the local subscription record from the
// completed checkout. The session metadata carries the owning user id; the
// live subscription is fetched so the persisted row reflects processor state
// rather than the session's request-time values.
func (h *WebhookHandler) handleCheckoutCompleted(r *http.Request, sess model.CheckoutSessionEvent, eventTime time.Time) error {
	userID := sess.Metadata["user_id"]
	if userID == "" || sess.Subscription == "" {
		h.logger.Warn("checkout session missing user_id or subscription, skipping", "session_id", sess.ID)
		return nil
	}

	live, err := h.processor.GetSubscription(r.Context(), sess.Subscription)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", sess.Subscription, err)
	}

	// Ensure the customer mapping exists; checkout can complete before a
	// synchronous resolver ever ran (or after its persistence failed).
	if sess.Customer != "" {
		if _, err := h.customers.Create(userID, sess.CustomerDetails.Email, sess.Customer); err != nil {
			return fmt.Errorf("ensure customer mapping: %w", err)
		}
	}

	sub := h.subscriptionFromSnapshot(live, eventTime)
	if _, err := h.subscriptions.Upsert(sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	h.logger.Info("checkout completed",
		"user_id", userID,
		"subscription_id", live.ID,
		"additional_accounts", sub.AdditionalAccounts,
	)
	return nil
}

// handleSubscriptionUpdated overwrites the local row with the event's
// snapshot. Events older than the last applied one are discarded so a stale
// delivery cannot regress newer state.
func (h *WebhookHandler) handleSubscriptionUpdated(ev model.SubscriptionEvent, eventTime time.Time) error {
	local, err := h.subscriptions.GetByStripeCustomerID(ev.Customer)
	if err != nil {
		return fmt.Errorf("lookup subscription by customer: %w", err)
	}
	if local == nil {
		// Events for unknown customers must not create orphaned rows.
		h.logger.Warn("subscription update for unknown customer, skipping",
			"customer_id", ev.Customer,
			"subscription_id", ev.ID,
		)
		return nil
	}
	if local.LastEventAt != nil && !eventTime.After(*local.LastEventAt) {
		h.logger.Info("stale subscription event discarded",
			"subscription_id", ev.ID,
			"event_time", eventTime,
			"last_event_at", *local.LastEventAt,
		)
		return nil
	}

	sub := h.subscriptionFromEvent(ev, eventTime)
	if _, err := h.subscriptions.Upsert(sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (h *WebhookHandler) handleSubscriptionDeleted(ev model.SubscriptionEvent) error {
	if err := h.subscriptions.UpdateStatus(ev.ID, model.StatusCanceled); err != nil {
		return fmt.Errorf("mark subscription canceled: %w", err)
	}

	h.notify(ev.Customer, func(to string) error {
		return h.emailClient.SendSubscriptionCanceled(to)
	})
	return nil
}

// handleInvoicePaymentSucceeded forces the status back to active, recovering
// a subscription that a failed payment put into past_due.
func (h *WebhookHandler) handleInvoicePaymentSucceeded(inv model.InvoiceEvent) error {
	subID := inv.SubscriptionID()
	if subID == "" {
		return nil
	}
	if err := h.subscriptions.UpdateStatus(subID, model.StatusActive); err != nil {
		return fmt.Errorf("mark subscription active: %w", err)
	}
	return nil
}

func (h *WebhookHandler) handleInvoicePaymentFailed(inv model.InvoiceEvent) error {
	subID := inv.SubscriptionID()
	if subID == "" {
		return nil
	}
	if err := h.subscriptions.UpdateStatus(subID, model.StatusPastDue); err != nil {
		return fmt.Errorf("mark subscription past_due: %w", err)
	}

	h.notify(inv.Customer, func(to string) error {
		return h.emailClient.SendPaymentFailed(to)
	})
	return nil
}

// notify sends a billing notice to the customer's email. Failures are logged
// only; email is best-effort and never fails the event.
func (h *WebhookHandler) notify(stripeCustomerID string, send func(to string) error) {
	if h.emailClient == nil || !h.emailClient.Configured() || stripeCustomerID == "" {
		return
	}
	cust, err := h.customers.GetByStripeCustomerID(stripeCustomerID)
	if err != nil || cust == nil {
		return
	}
	if err := send(cust.Email); err != nil {
		h.logger.Error("send billing notice", "customer_id", stripeCustomerID, "error", err)
	}
}

// subscriptionFromSnapshot maps a live processor subscription to the local
// record. All fields are set; the upsert overwrites the whole row.
func (h *WebhookHandler) subscriptionFromSnapshot(live *billingstripe.Subscription, eventTime time.Time) *model.Subscription {
	cfg := h.processor.Config()
	sub := &model.Subscription{
		StripeCustomerID:     live.CustomerID,
		StripeSubscriptionID: live.ID,
		PriceID:              basePriceID(live.Items, cfg.BasePriceID),
		Status:               model.SubscriptionStatus(live.Status),
		AdditionalAccounts:   live.QuantityForPrice(cfg.AdditionalPriceID),
		CancelAtPeriodEnd:    live.CancelAtPeriodEnd,
		LastEventAt:          &eventTime,
	}
	if !live.CurrentPeriodStart.IsZero() {
		start, end := live.CurrentPeriodStart, live.CurrentPeriodEnd
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
	}
	return sub
}

func (h *WebhookHandler) subscriptionFromEvent(ev model.SubscriptionEvent, eventTime time.Time) *model.Subscription {
	cfg := h.processor.Config()
	sub := &model.Subscription{
		StripeCustomerID:     ev.Customer,
		StripeSubscriptionID: ev.ID,
		Status:               model.SubscriptionStatus(ev.Status),
		CancelAtPeriodEnd:    ev.CancelAtPeriodEnd,
		LastEventAt:          &eventTime,
	}
	for _, item := range ev.Items.Data {
		switch item.Price.ID {
		case cfg.AdditionalPriceID:
			sub.AdditionalAccounts = item.Quantity
		default:
			if sub.PriceID == "" {
				sub.PriceID = item.Price.ID
			}
		}
		if sub.CurrentPeriodEnd == nil && item.CurrentPeriodEnd > 0 {
			start := time.Unix(item.CurrentPeriodStart, 0).UTC()
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			sub.CurrentPeriodStart = &start
			sub.CurrentPeriodEnd = &end
		}
	}
	return sub
}

func basePriceID(items []billingstripe.Item, basePrice string) string {
	for _, item := range items {
		if item.PriceID == basePrice {
			return item.PriceID
		}
	}
	if len(items) > 0 {
		return items[0].PriceID
	}
	return ""
}
