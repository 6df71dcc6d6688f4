package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hallia/billing/internal/model"
	"github.com/hallia/billing/internal/store"
)

// CustomerResolver finds or lazily creates the processor customer for a user
// and persists the mapping. Concurrent calls for the same user converge on
// one mapping via the store's conflict re-read.
type CustomerResolver struct {
	processor Processor
	customers *store.CustomerStore
	logger    *slog.Logger
}

func NewCustomerResolver(p Processor, cs *store.CustomerStore, logger *slog.Logger) *CustomerResolver {
	return &CustomerResolver{
		processor: p,
		customers: cs,
		logger:    logger,
	}
}

// Resolve returns the live customer mapping for the user, creating the
// processor customer and the mapping when absent.
func (r *CustomerResolver) Resolve(ctx context.Context, userID, email string) (*model.Customer, error) {
	existing, err := r.customers.GetByUserID(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	stripeCustomerID, err := r.processor.CreateCustomer(ctx, email, userID)
	if err != nil {
		return nil, fmt.Errorf("create processor customer: %w", err)
	}

	// The processor customer now exists; losing the mapping would orphan it,
	// so the persistence gets a few retries before giving up.
	var cust *model.Customer
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	persistErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := r.customers.Create(userID, email, stripeCustomerID)
		if err != nil {
			return retry.RetryableError(err)
		}
		cust = c
		return nil
	})
	if persistErr != nil {
		r.logger.Error("orphaned processor customer: mapping persistence failed",
			"user_id", userID,
			"stripe_customer_id", stripeCustomerID,
			"error", persistErr,
		)
		return nil, fmt.Errorf("persist customer mapping: %w", persistErr)
	}

	return cust, nil
}
