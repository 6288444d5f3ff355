package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/channelgate/internal/model"
	"github.com/dukerupert/channelgate/internal/store"
	stripeclient "github.com/dukerupert/channelgate/internal/stripe"
)

// PaymentProvider covers the Stripe operations webhook ingest needs.
type PaymentProvider interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
	GetSubscription(id string) (*stripe.Subscription, error)
}

// Revoker tears down channel access for a customer.
type Revoker interface {
	Revoke(customerID string) error
}

// WebhookHandler applies Stripe events to the subscriber store. Every
// handler tolerates redelivery and out-of-order arrival: mutations are
// last-write-wins upserts keyed by customer id, driven only by values in the
// event itself.
type WebhookHandler struct {
	provider    PaymentProvider
	subscribers *store.SubscriberStore
	access      Revoker
	logger      *slog.Logger
}

func NewWebhookHandler(provider PaymentProvider, subscribers *store.SubscriberStore, access Revoker, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		provider:    provider,
		subscribers: subscribers,
		access:      access,
		logger:      logger,
	}
}

// HandleStripeWebhook verifies the signature against the raw body and routes
// the event. Signature failures get 400 without touching state; store
// failures get 500 so Stripe redelivers; anything after a successful store
// write is logged and acknowledged.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.provider.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(event)
	case "invoice.paid":
		err = h.handleInvoicePaid(event)
	case "invoice.payment_failed":
		err = h.handleInvoicePaymentFailed(event)
	case "customer.subscription.updated", "customer.subscription.deleted":
		err = h.handleSubscriptionChanged(event)
	default:
		err = nil
	}

	if err != nil {
		h.logger.Error("webhook handling failed", "type", event.Type, "error", err)
		http.Error(w, "handler error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleCheckoutCompleted(event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		h.logger.Error("unmarshal checkout session", "error", err)
		return nil
	}
	if sess.Mode != "" && sess.Mode != stripe.CheckoutSessionModeSubscription {
		return nil
	}
	if sess.Customer == nil || sess.Subscription == nil {
		h.logger.Warn("checkout session missing customer or subscription", "session_id", sess.ID)
		return nil
	}

	// The session snapshot may be stale; fetch the authoritative record.
	sub, err := h.provider.GetSubscription(sess.Subscription.ID)
	if err != nil {
		return err
	}

	if _, err := h.subscribers.Upsert(sess.Customer.ID, string(sub.Status), stripeclient.PeriodEnd(sub)); err != nil {
		return err
	}
	if _, err := h.subscribers.IssueToken(sess.Customer.ID); err != nil {
		return err
	}

	h.logger.Info("checkout completed", "customer_id", sess.Customer.ID, "status", sub.Status)
	return nil
}

// subscriptionIDFromInvoice extracts the subscription id from an invoice's
// parent.
func subscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (h *WebhookHandler) handleInvoicePaid(event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("unmarshal invoice", "error", err)
		return nil
	}

	subID := subscriptionIDFromInvoice(invoice)
	if subID == "" {
		return nil
	}
	sub, err := h.provider.GetSubscription(subID)
	if err != nil {
		return err
	}
	if sub.Customer == nil {
		return nil
	}

	if _, err := h.subscribers.Upsert(sub.Customer.ID, string(sub.Status), stripeclient.PeriodEnd(sub)); err != nil {
		return err
	}
	h.logger.Info("invoice paid", "customer_id", sub.Customer.ID, "status", sub.Status)
	return nil
}

func (h *WebhookHandler) handleInvoicePaymentFailed(event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("unmarshal invoice", "error", err)
		return nil
	}
	if invoice.Customer == nil {
		return nil
	}
	customerID := invoice.Customer.ID

	// Period end is unknown on failure; clear it.
	if _, err := h.subscribers.Upsert(customerID, model.StatusPastDue, nil); err != nil {
		return err
	}
	h.logger.Info("payment failed", "customer_id", customerID)
	return h.access.Revoke(customerID)
}

func (h *WebhookHandler) handleSubscriptionChanged(event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("unmarshal subscription", "error", err)
		return nil
	}
	if sub.Customer == nil {
		return nil
	}
	customerID := sub.Customer.ID
	status := string(sub.Status)

	if _, err := h.subscribers.Upsert(customerID, status, stripeclient.PeriodEnd(&sub)); err != nil {
		return err
	}
	h.logger.Info("subscription changed", "customer_id", customerID, "status", status)

	if model.ShouldRevoke(status) {
		return h.access.Revoke(customerID)
	}
	return nil
}
