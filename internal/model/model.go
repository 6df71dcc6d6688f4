package model

import "time"

// SubscriptionStatus mirrors the processor's subscription status values.
type SubscriptionStatus string

const (
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
)

// Valid reports whether s is one of the known status values.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceled, StatusUnpaid, StatusPaused:
		return true
	}
	return false
}

// IsBillable reports whether the subscription can be mutated (quantity
// changes, cancellation). Only active and trialing subscriptions qualify.
func (s SubscriptionStatus) IsBillable() bool {
	return s == StatusActive || s == StatusTrialing
}

// Customer maps an application user to a processor billing customer.
// At most one non-deleted row exists per user_id.
type Customer struct {
	ID               int64      `json:"id"`
	UserID           string     `json:"user_id"`
	Email            string     `json:"email"`
	StripeCustomerID string     `json:"stripe_customer_id"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Subscription is the local record of a processor subscription. One row per
// customer; rows are status-transitioned, never deleted. All writes are
// full-field overwrites so reapplying a webhook event is idempotent.
type Subscription struct {
	ID                   int64              `json:"id"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	PriceID              string             `json:"price_id"`
	Status               SubscriptionStatus `json:"status"`
	AdditionalAccounts   int64              `json:"additional_accounts"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end"`
	LastEventAt          *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Backup status values.
const (
	BackupStatusPending   = "pending"
	BackupStatusUploading = "uploading"
	BackupStatusComplete  = "complete"
	BackupStatusFailed    = "failed"
)

// Backup records one encrypted database backup uploaded to S3.
type Backup struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	S3Key     string    `json:"s3_key"`
	Status    string    `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
