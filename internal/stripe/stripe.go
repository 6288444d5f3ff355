package stripe

import (
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// ConstructWebhookEvent verifies the signature against the raw payload bytes
// and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

// GetSubscription fetches the authoritative subscription record by id.
func (c *Client) GetSubscription(id string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// GetCheckoutSession fetches a checkout session by id.
func (c *Client) GetCheckoutSession(id string) (*stripe.CheckoutSession, error) {
	sess, err := checkoutsession.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	return sess, nil
}

// FindCustomerByEmail returns the most recently created customer with the
// given email, or nil if none exists.
func (c *Client) FindCustomerByEmail(email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	iter := customer.List(params)
	if iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return nil, nil
}

// FindActiveSubscription returns one active subscription for the customer,
// or nil if there is none.
func (c *Client) FindActiveSubscription(customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Limit = stripe.Int64(1)
	iter := subscription.List(params)
	if iter.Next() {
		return iter.Subscription(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return nil, nil
}

// CreateBillingPortalSession creates a self-service billing portal session
// and returns its URL.
func (c *Client) CreateBillingPortalSession(customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

// PeriodEnd extracts the paid-through time from a subscription. Period
// boundaries live on the subscription items; absent or zero values yield nil.
func PeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			return &t
		}
	}
	return nil
}
