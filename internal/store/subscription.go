package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hallia/billing/internal/model"
)

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var status string
	var cancelAtPeriodEnd int
	var periodStart, periodEnd, lastEventAt sql.NullTime
	err := scanner.Scan(
		&sub.ID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.PriceID,
		&status, &sub.AdditionalAccounts, &cancelAtPeriodEnd,
		&periodStart, &periodEnd, &lastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = model.SubscriptionStatus(status)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	if periodStart.Valid {
		sub.CurrentPeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = &periodEnd.Time
	}
	if lastEventAt.Valid {
		sub.LastEventAt = &lastEventAt.Time
	}
	return &sub, nil
}

const subscriptionCols = `id, stripe_customer_id, stripe_subscription_id, price_id, status,
	additional_accounts, cancel_at_period_end, current_period_start, current_period_end,
	last_event_at, created_at, updated_at`

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Upsert writes the full subscription state keyed by stripe_customer_id (one
// row per customer). Every column is overwritten, never incremented, so
// applying the same processor snapshot twice converges to the same row.
func (s *SubscriptionStore) Upsert(sub *model.Subscription) (*model.Subscription, error) {
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (
			stripe_customer_id, stripe_subscription_id, price_id, status,
			additional_accounts, cancel_at_period_end, current_period_start,
			current_period_end, last_event_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_customer_id) DO UPDATE SET
			stripe_subscription_id = excluded.stripe_subscription_id,
			price_id = excluded.price_id,
			status = excluded.status,
			additional_accounts = excluded.additional_accounts,
			cancel_at_period_end = excluded.cancel_at_period_end,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			last_event_at = excluded.last_event_at,
			updated_at = CURRENT_TIMESTAMP`,
		sub.StripeCustomerID, sub.StripeSubscriptionID, sub.PriceID, string(sub.Status),
		sub.AdditionalAccounts, boolInt(sub.CancelAtPeriodEnd),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), nullTime(sub.LastEventAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return s.GetByStripeCustomerID(sub.StripeCustomerID)
}

func (s *SubscriptionStore) GetByStripeCustomerID(stripeCustomerID string) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_customer_id = ?`,
		stripeCustomerID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by customer: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByStripeSubscriptionID(stripeSubID string) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_subscription_id = ?`,
		stripeSubID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) UpdateStatus(stripeSubID string, status model.SubscriptionStatus) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE stripe_subscription_id = ?`,
		string(status), stripeSubID,
	)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) SetCancelAtPeriodEnd(stripeSubID string, cancel bool) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET cancel_at_period_end = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE stripe_subscription_id = ?`,
		boolInt(cancel), stripeSubID,
	)
	if err != nil {
		return fmt.Errorf("set cancel at period end: %w", err)
	}
	return nil
}

// SetAdditionalAccounts overwrites the metered seat count. The synchronous
// reconciler is the only caller; a later webhook snapshot re-asserts the value.
func (s *SubscriptionStore) SetAdditionalAccounts(stripeSubID string, count int64) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET additional_accounts = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE stripe_subscription_id = ?`,
		count, stripeSubID,
	)
	if err != nil {
		return fmt.Errorf("set additional accounts: %w", err)
	}
	return nil
}
