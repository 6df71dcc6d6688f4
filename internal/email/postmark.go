package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIURL overrides the Postmark endpoint, used by tests.
func WithAPIURL(url string) Option {
	return func(cl *Client) {
		cl.apiURL = url
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		apiURL:      defaultAPIURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// SendPaymentFailed sends a dunning notice after a failed subscription payment.
func (c *Client) SendPaymentFailed(toEmail string) error {
	link := c.baseURL + "/settings/billing"
	textBody := fmt.Sprintf(
		"We couldn't process your latest Hall IA payment. Your subscription is now past due.\n\nUpdate your payment method here:\n\n%s",
		link,
	)
	htmlBody := fmt.Sprintf(
		`<p>We couldn't process your latest Hall IA payment. Your subscription is now past due.</p><p><a href="%s">Update your payment method</a></p>`,
		link,
	)
	return c.send(postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  "Action needed: your Hall IA payment failed",
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
}

// SendSubscriptionCanceled confirms the end of a subscription.
func (c *Client) SendSubscriptionCanceled(toEmail string) error {
	textBody := "Your Hall IA subscription has ended. Your connected email accounts are no longer being processed.\n\nYou can resubscribe at any time from your account settings."
	htmlBody := `<p>Your Hall IA subscription has ended. Your connected email accounts are no longer being processed.</p><p>You can resubscribe at any time from your account settings.</p>`
	return c.send(postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  "Your Hall IA subscription has ended",
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
}

func (c *Client) send(payload postmarkEmail) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
