package handler

import (
	"log/slog"
	"net/http"

	billingstripe "github.com/hallia/billing/internal/stripe"
)

type ProductsHandler struct {
	processor Processor
	logger    *slog.Logger
}

func NewProductsHandler(p Processor, logger *slog.Logger) *ProductsHandler {
	return &ProductsHandler{processor: p, logger: logger}
}

// GetProducts returns the active product catalog with recurring prices.
func (h *ProductsHandler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.processor.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("list products", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []billingstripe.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}
