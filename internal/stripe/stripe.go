package stripe

import (
	"context"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/product"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionitem"
	"github.com/stripe/stripe-go/v82/webhook"
)

// prorationAlwaysInvoice makes quantity changes bill the prorated delta
// immediately instead of deferring it to the next cycle.
const prorationAlwaysInvoice = "always_invoice"

type Config struct {
	SecretKey         string
	WebhookSecret     string
	BasePriceID       string
	AdditionalPriceID string
	SuccessURL        string
	UpgradeSuccessURL string
	CancelURL         string
	PortalReturnURL   string
}

// Validate reports missing price configuration. Handlers treat this as a
// fatal configuration error, not a retryable one.
func (c Config) Validate() error {
	if c.BasePriceID == "" {
		return fmt.Errorf("stripe config: base price id not set")
	}
	if c.AdditionalPriceID == "" {
		return fmt.Errorf("stripe config: additional account price id not set")
	}
	return nil
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Subscription is a local snapshot of a processor subscription, read back
// after mutations so persisted state reflects what actually applied.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Items              []Item
}

// Item is one line item on a processor subscription.
type Item struct {
	ID       string
	PriceID  string
	Quantity int64
}

// ItemForPrice returns the line item carrying the given price, or nil.
func (s *Subscription) ItemForPrice(priceID string) *Item {
	for i := range s.Items {
		if s.Items[i].PriceID == priceID {
			return &s.Items[i]
		}
	}
	return nil
}

// QuantityForPrice returns the quantity of the item with the given price,
// or zero when the item is absent.
func (s *Subscription) QuantityForPrice(priceID string) int64 {
	if item := s.ItemForPrice(priceID); item != nil {
		return item.Quantity
	}
	return 0
}

// CheckoutParams describes a subscription-mode checkout request.
type CheckoutParams struct {
	CustomerID   string
	UserID       string
	AccountCount int64
	IsUpgrade    bool
}

// Product is a catalog entry with its active recurring prices.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Prices      []Price `json:"prices"`
}

type Price struct {
	ID         string     `json:"id"`
	UnitAmount int64      `json:"unit_amount"`
	Currency   string     `json:"currency"`
	Recurring  *Recurring `json:"recurring"`
}

type Recurring struct {
	Interval      string `json:"interval"`
	IntervalCount int64  `json:"interval_count"`
}

// CreateCustomer creates a processor customer tagged with the owning user id
// and returns the customer ID.
func (c *Client) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// checkoutLineItems builds the line items for a checkout of count accounts:
// one base seat, plus an additional-account item with quantity count-1 only
// when more than one account is requested.
func (c Config) checkoutLineItems(count int64) []*stripe.CheckoutSessionLineItemParams {
	items := []*stripe.CheckoutSessionLineItemParams{
		{
			Price:    stripe.String(c.BasePriceID),
			Quantity: stripe.Int64(1),
		},
	}
	if count > 1 {
		items = append(items, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(c.AdditionalPriceID),
			Quantity: stripe.Int64(count - 1),
		})
	}
	return items
}

// CreateCheckoutSession creates a subscription-mode checkout session for one
// base seat plus accountCount-1 additional seats and returns the hosted URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	if err := c.cfg.Validate(); err != nil {
		return "", err
	}

	lineItems := c.cfg.checkoutLineItems(p.AccountCount)

	successURL := c.cfg.SuccessURL
	if p.IsUpgrade && c.cfg.UpgradeSuccessURL != "" {
		successURL = c.cfg.UpgradeSuccessURL
	}

	// Metadata lets the webhook attribute the resulting subscription to the
	// user without a separate lookup.
	meta := map[string]string{
		"user_id":              p.UserID,
		"email_accounts_count": strconv.FormatInt(p.AccountCount, 10),
	}

	params := &stripe.CheckoutSessionParams{
		Customer:  stripe.String(p.CustomerID),
		Mode:      stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: lineItems,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	sess, err := checksession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a billing portal session and returns the URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if returnURL == "" {
		returnURL = c.cfg.PortalReturnURL
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// GetSubscription fetches the live subscription and maps it to a snapshot.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return mapSubscription(sub), nil
}

func mapSubscription(sub *stripe.Subscription) *Subscription {
	snap := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			mapped := Item{ID: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				mapped.PriceID = item.Price.ID
			}
			// Billing period bounds live on the items; all items on a
			// subscription share the same period.
			if snap.CurrentPeriodEnd.IsZero() && item.CurrentPeriodEnd > 0 {
				snap.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
				snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
			}
			snap.Items = append(snap.Items, mapped)
		}
	}
	return snap
}

// AddItem creates a new line item on the subscription with prorated
// immediate invoicing.
func (c *Client) AddItem(ctx context.Context, subscriptionID, priceID string, quantity int64) error {
	params := &stripe.SubscriptionItemParams{
		Subscription:      stripe.String(subscriptionID),
		Price:             stripe.String(priceID),
		Quantity:          stripe.Int64(quantity),
		ProrationBehavior: stripe.String(prorationAlwaysInvoice),
	}
	params.Context = ctx
	if _, err := subscriptionitem.New(params); err != nil {
		return fmt.Errorf("add subscription item: %w", err)
	}
	return nil
}

// UpdateItemQuantity sets a line item's quantity with prorated invoicing.
func (c *Client) UpdateItemQuantity(ctx context.Context, itemID string, quantity int64) error {
	params := &stripe.SubscriptionItemParams{
		Quantity:          stripe.Int64(quantity),
		ProrationBehavior: stripe.String(prorationAlwaysInvoice),
	}
	params.Context = ctx
	if _, err := subscriptionitem.Update(itemID, params); err != nil {
		return fmt.Errorf("update subscription item: %w", err)
	}
	return nil
}

// RemoveItem deletes a line item with prorated invoicing.
func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	params := &stripe.SubscriptionItemParams{
		ProrationBehavior: stripe.String(prorationAlwaysInvoice),
	}
	params.Context = ctx
	if _, err := subscriptionitem.Del(itemID, params); err != nil {
		return fmt.Errorf("remove subscription item: %w", err)
	}
	return nil
}

// SetCancelAtPeriodEnd flags the subscription for cancellation at period end
// and returns the confirmed state.
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	return mapSubscription(sub), nil
}

// ListProducts returns the active catalog with recurring prices.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	listParams := &stripe.ProductListParams{Active: stripe.Bool(true)}
	listParams.Context = ctx

	var products []Product
	it := product.List(listParams)
	for it.Next() {
		p := it.Product()
		prices, err := c.listPrices(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		products = append(products, Product{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Prices:      prices,
		})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

func (c *Client) listPrices(ctx context.Context, productID string) ([]Price, error) {
	listParams := &stripe.PriceListParams{
		Product: stripe.String(productID),
		Active:  stripe.Bool(true),
	}
	listParams.Context = ctx

	var prices []Price
	it := price.List(listParams)
	for it.Next() {
		p := it.Price()
		mapped := Price{
			ID:         p.ID,
			UnitAmount: p.UnitAmount,
			Currency:   string(p.Currency),
		}
		if p.Recurring != nil {
			mapped.Recurring = &Recurring{
				Interval:      string(p.Recurring.Interval),
				IntervalCount: p.Recurring.IntervalCount,
			}
		}
		prices = append(prices, mapped)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	return prices, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
