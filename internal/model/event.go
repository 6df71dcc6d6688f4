package model

// Minimal representations of the processor webhook payloads this service
// consumes, decoded from the event's raw JSON. Expandable references
// (customer, subscription) arrive as bare IDs in webhook payloads.

// CheckoutSessionEvent is the payload of checkout.session.completed.
type CheckoutSessionEvent struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// SubscriptionEvent is the payload of customer.subscription.updated and
// customer.subscription.deleted.
type SubscriptionEvent struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             struct {
		Data []SubscriptionEventItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// SubscriptionEventItem is one line item inside a subscription payload.
// Billing period bounds live on the items.
type SubscriptionEventItem struct {
	ID                 string `json:"id"`
	Quantity           int64  `json:"quantity"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

// InvoiceEvent is the payload of invoice.payment_succeeded and
// invoice.payment_failed.
type InvoiceEvent struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PeriodEnd int64 `json:"period_end"`
}

// SubscriptionID returns the subscription reference from either the legacy
// top-level field or the parent details, whichever is present.
func (e *InvoiceEvent) SubscriptionID() string {
	if e.Subscription != "" {
		return e.Subscription
	}
	if e.Parent != nil && e.Parent.SubscriptionDetails != nil {
		return e.Parent.SubscriptionDetails.Subscription
	}
	return ""
}
