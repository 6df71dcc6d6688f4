package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	billingstripe "github.com/hallia/billing/internal/stripe"
	"github.com/hallia/billing/internal/store"
)

type CheckoutHandler struct {
	processor Processor
	resolver  *CustomerResolver
	customers *store.CustomerStore
	logger    *slog.Logger
}

func NewCheckoutHandler(p Processor, r *CustomerResolver, cs *store.CustomerStore, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		processor: p,
		resolver:  r,
		customers: cs,
		logger:    logger,
	}
}

// CreateCheckoutSession builds a subscription-mode checkout for one base seat
// plus any additional email accounts and returns the hosted redirect URL.
// Local state is not written here; the webhook does that once checkout
// completes.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		EmailAccountsCount *int64 `json:"emailAccountsCount"`
		IsUpgrade          bool   `json:"isUpgrade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	count := int64(1)
	if req.EmailAccountsCount != nil {
		count = *req.EmailAccountsCount
	}
	if count < 1 {
		writeError(w, http.StatusBadRequest, "emailAccountsCount must be at least 1")
		return
	}

	if err := h.processor.Config().Validate(); err != nil {
		h.logger.Error("price configuration missing", "error", err)
		writeError(w, http.StatusInternalServerError, "billing is not configured")
		return
	}

	cust, err := h.resolver.Resolve(r.Context(), id.UserID, id.Email)
	if err != nil {
		h.logger.Error("resolve customer", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve billing customer")
		return
	}

	url, err := h.processor.CreateCheckoutSession(r.Context(), billingstripe.CheckoutParams{
		CustomerID:   cust.StripeCustomerID,
		UserID:       id.UserID,
		AccountCount: count,
		IsUpgrade:    req.IsUpgrade,
	})
	if err != nil {
		h.logger.Error("create checkout session", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// CreatePortalSession returns a short-lived URL to the processor's
// self-service billing portal.
func (h *CheckoutHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id.UserID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		CustomerID string `json:"customerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	customerID := req.CustomerID
	if customerID == "" {
		cust, err := h.customers.GetByUserID(id.UserID)
		if err != nil {
			h.logger.Error("lookup customer", "user_id", id.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to look up billing customer")
			return
		}
		if cust == nil {
			writeError(w, http.StatusBadRequest, "no billing customer")
			return
		}
		customerID = cust.StripeCustomerID
	}

	returnURL := r.Header.Get("Referer")
	url, err := h.processor.CreatePortalSession(r.Context(), customerID, returnURL)
	if err != nil {
		h.logger.Error("create portal session", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
