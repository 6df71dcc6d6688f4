package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hallia/billing/internal/store"
)

// subscriptionLocks serializes reconciliation per subscription so concurrent
// quantity updates cannot interleave the retrieve-mutate-persist sequence.
type subscriptionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSubscriptionLocks() *subscriptionLocks {
	return &subscriptionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *subscriptionLocks) lock(subscriptionID string) func() {
	l.mu.Lock()
	m, ok := l.locks[subscriptionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[subscriptionID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

type SubscriptionHandler struct {
	processor     Processor
	customers     *store.CustomerStore
	subscriptions *store.SubscriptionStore
	locks         *subscriptionLocks
	logger        *slog.Logger
}

func NewSubscriptionHandler(p Processor, cs *store.CustomerStore, ss *store.SubscriptionStore, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		processor:     p,
		customers:     cs,
		subscriptions: ss,
		locks:         newSubscriptionLocks(),
		logger:        logger,
	}
}

type updateSubscriptionResponse struct {
	Success            bool   `json:"success"`
	AdditionalAccounts int64  `json:"additional_accounts"`
	Message            string `json:"message"`
}

// UpdateSubscription reconciles the additional-account line item quantity
// against the desired count. The persisted value is always re-read from the
// processor after the mutation, never the locally computed target, so a
// partially applied change cannot leave the local record ahead of reality.
func (h *SubscriptionHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		AdditionalAccounts *int64 `json:"additional_accounts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AdditionalAccounts == nil {
		writeError(w, http.StatusBadRequest, "additional_accounts is required")
		return
	}
	desired := *req.AdditionalAccounts
	if desired < 0 {
		writeError(w, http.StatusBadRequest, "additional_accounts must not be negative")
		return
	}

	// Preconditions before any mutating processor call.
	cust, err := h.customers.GetByUserID(id.UserID)
	if err != nil {
		h.logger.Error("lookup customer", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up billing customer")
		return
	}
	if cust == nil {
		writeError(w, http.StatusNotFound, "no billing customer")
		return
	}

	local, err := h.subscriptions.GetByStripeCustomerID(cust.StripeCustomerID)
	if err != nil {
		h.logger.Error("lookup subscription", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up subscription")
		return
	}
	if local == nil {
		writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	if !local.Status.IsBillable() {
		writeError(w, http.StatusBadRequest, "no active subscription")
		return
	}

	unlock := h.locks.lock(local.StripeSubscriptionID)
	defer unlock()

	additionalPriceID := h.processor.Config().AdditionalPriceID

	live, err := h.processor.GetSubscription(r.Context(), local.StripeSubscriptionID)
	if err != nil {
		h.logger.Error("get subscription", "subscription_id", local.StripeSubscriptionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to retrieve subscription")
		return
	}

	item := live.ItemForPrice(additionalPriceID)
	changed := false
	switch {
	case desired == 0 && item != nil:
		err = h.processor.RemoveItem(r.Context(), item.ID)
		changed = true
	case desired > 0 && item != nil && item.Quantity != desired:
		err = h.processor.UpdateItemQuantity(r.Context(), item.ID, desired)
		changed = true
	case desired > 0 && item == nil:
		err = h.processor.AddItem(r.Context(), local.StripeSubscriptionID, additionalPriceID, desired)
		changed = true
	}
	if err != nil {
		h.logger.Error("reconcile subscription item", "subscription_id", local.StripeSubscriptionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	// Re-read the authoritative quantity rather than trusting the desired
	// value; the mutation may have partially applied.
	actual := desired
	if changed {
		confirmed, err := h.processor.GetSubscription(r.Context(), local.StripeSubscriptionID)
		if err != nil {
			h.logger.Error("re-read subscription", "subscription_id", local.StripeSubscriptionID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to confirm subscription update")
			return
		}
		actual = confirmed.QuantityForPrice(additionalPriceID)
	}

	if err := h.subscriptions.SetAdditionalAccounts(local.StripeSubscriptionID, actual); err != nil {
		// Processor state is the source of truth; a later webhook repairs the
		// local row, so the response still reflects the confirmed quantity.
		h.logger.Error("reconciliation gap: persist additional accounts failed",
			"subscription_id", local.StripeSubscriptionID,
			"additional_accounts", actual,
			"error", err,
		)
	}

	msg := "additional accounts updated"
	if !changed {
		msg = "no change"
	}
	writeJSON(w, http.StatusOK, updateSubscriptionResponse{
		Success:            true,
		AdditionalAccounts: actual,
		Message:            msg,
	})
}

type cancelSubscriptionResponse struct {
	Success           bool  `json:"success"`
	CancelAtPeriodEnd bool  `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64 `json:"current_period_end"`
}

// CancelSubscription flags the subscription for cancellation at period end.
// The local flag is persisted only after the processor confirms the change.
func (h *SubscriptionHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cust, err := h.customers.GetByUserID(id.UserID)
	if err != nil {
		h.logger.Error("lookup customer", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up billing customer")
		return
	}
	if cust == nil {
		writeError(w, http.StatusNotFound, "no billing customer")
		return
	}

	local, err := h.subscriptions.GetByStripeCustomerID(cust.StripeCustomerID)
	if err != nil {
		h.logger.Error("lookup subscription", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up subscription")
		return
	}
	if local == nil {
		writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	if !local.Status.IsBillable() {
		writeError(w, http.StatusBadRequest, "no active subscription to cancel")
		return
	}

	confirmed, err := h.processor.SetCancelAtPeriodEnd(r.Context(), local.StripeSubscriptionID)
	if err != nil {
		h.logger.Error("cancel subscription", "subscription_id", local.StripeSubscriptionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel subscription")
		return
	}

	if err := h.subscriptions.SetCancelAtPeriodEnd(local.StripeSubscriptionID, confirmed.CancelAtPeriodEnd); err != nil {
		h.logger.Error("reconciliation gap: persist cancel flag failed",
			"subscription_id", local.StripeSubscriptionID,
			"error", err,
		)
	}

	periodEnd := confirmed.CurrentPeriodEnd
	if periodEnd.IsZero() && local.CurrentPeriodEnd != nil {
		periodEnd = *local.CurrentPeriodEnd
	}
	var periodEndUnix int64
	if !periodEnd.IsZero() {
		periodEndUnix = periodEnd.Unix()
	}

	writeJSON(w, http.StatusOK, cancelSubscriptionResponse{
		Success:           true,
		CancelAtPeriodEnd: confirmed.CancelAtPeriodEnd,
		CurrentPeriodEnd:  periodEndUnix,
	})
}
