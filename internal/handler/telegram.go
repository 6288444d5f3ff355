package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/channelgate/internal/invite"
	"github.com/dukerupert/channelgate/internal/middleware"
	"github.com/dukerupert/channelgate/internal/store"
	stripeclient "github.com/dukerupert/channelgate/internal/stripe"
	"github.com/dukerupert/channelgate/internal/telegram"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// verifyLimit throttles email verification per Telegram user; each attempt
// costs two Stripe list calls.
const (
	verifyLimit  = 5
	verifyWindow = time.Minute
)

// SubscriptionVerifier covers the Stripe lookups the bot conversation needs.
type SubscriptionVerifier interface {
	FindCustomerByEmail(email string) (*stripe.Customer, error)
	FindActiveSubscription(customerID string) (*stripe.Subscription, error)
	CreateBillingPortalSession(customerID, returnURL string) (string, error)
}

// AccessController is the slice of the access controller the update handler
// drives.
type AccessController interface {
	HandleJoinRequest(userID int64) error
	SendInvite(userID int64) error
}

// Bot sends replies to users.
type Bot interface {
	SendMessage(chatID int64, text string) error
}

// UpdateHandler consumes inbound Telegram updates: join requests, the
// /start deep link redemption, /portal, and email verification.
type UpdateHandler struct {
	bot         Bot
	subscribers *store.SubscriberStore
	verifier    SubscriptionVerifier
	access      AccessController
	limiter     *middleware.RateLimiter
	baseURL     string
	logger      *slog.Logger
}

func NewUpdateHandler(
	bot Bot,
	subscribers *store.SubscriberStore,
	verifier SubscriptionVerifier,
	access AccessController,
	limiter *middleware.RateLimiter,
	baseURL string,
	logger *slog.Logger,
) *UpdateHandler {
	return &UpdateHandler{
		bot:         bot,
		subscribers: subscribers,
		verifier:    verifier,
		access:      access,
		limiter:     limiter,
		baseURL:     baseURL,
		logger:      logger,
	}
}

// HandleTelegramWebhook acknowledges the update immediately and processes it
// in the background. Telegram redelivers until it sees 200, so slow
// processing inline would cause redelivery storms.
func (h *UpdateHandler) HandleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.logger.Warn("decode telegram update", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	go h.Process(update)
	w.WriteHeader(http.StatusOK)
}

// Process routes one update. Exported so tests can drive it synchronously.
func (h *UpdateHandler) Process(update telegram.Update) {
	switch {
	case update.ChatJoinRequest != nil:
		userID := update.ChatJoinRequest.From.ID
		if err := h.access.HandleJoinRequest(userID); err != nil {
			h.logger.Error("handle join request", "user_id", userID, "error", err)
		}
	case update.Message != nil && update.Message.From != nil:
		h.handleMessage(update.Message)
	}
}

func (h *UpdateHandler) handleMessage(msg *telegram.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	text := strings.TrimSpace(msg.Text)

	switch {
	case strings.HasPrefix(text, "/start"):
		arg := strings.TrimSpace(strings.TrimPrefix(text, "/start"))
		if arg != "" {
			h.redeemToken(chatID, userID, arg)
			return
		}
		h.reply(chatID, "Welcome! To confirm your subscription, send the email address you used to pay. If you just paid, you can also use the link on your payment confirmation page.")
	case text == "/portal":
		h.sendPortal(chatID, userID)
	case strings.HasPrefix(text, "/"):
		// Unknown command; stay quiet like the channel bot should.
	default:
		h.verifyEmail(chatID, userID, strings.ToLower(text))
	}
}

func (h *UpdateHandler) redeemToken(chatID, userID int64, token string) {
	sub, err := h.subscribers.Redeem(token, userID)
	if errors.Is(err, store.ErrTokenInvalid) {
		h.reply(chatID, "That link has already been used or is no longer valid. Open your payment confirmation page again to get a fresh one, or send your payment email here.")
		return
	}
	if err != nil {
		h.logger.Error("redeem token", "user_id", userID, "error", err)
		h.reply(chatID, "Something went wrong on our side. Please try again in a moment.")
		return
	}

	h.logger.Info("token redeemed", "user_id", userID, "customer_id", sub.CustomerID)
	if !sub.Active() {
		h.reply(chatID, "Your payment is linked, but the subscription isn't active yet. You'll be able to join the channel once it is.")
		return
	}
	h.sendInvite(chatID, userID, "Payment confirmed!")
}

func (h *UpdateHandler) verifyEmail(chatID, userID int64, text string) {
	if !emailRe.MatchString(text) {
		h.reply(chatID, "That doesn't look like an email address. Send the email you used to pay, e.g. yourname@example.com.")
		return
	}
	if !h.limiter.Allow(fmt.Sprintf("verify:%d", userID), verifyLimit, verifyWindow) {
		h.reply(chatID, "Too many attempts. Please wait a minute and try again.")
		return
	}

	cust, err := h.verifier.FindCustomerByEmail(text)
	if err != nil {
		h.logger.Error("find customer by email", "user_id", userID, "error", err)
		h.reply(chatID, "Couldn't check your subscription right now. Please try again in a moment.")
		return
	}
	if cust == nil {
		h.reply(chatID, "No subscription was found for that email. Double-check the address and try again.")
		return
	}

	sub, err := h.verifier.FindActiveSubscription(cust.ID)
	if err != nil {
		h.logger.Error("find active subscription", "user_id", userID, "customer_id", cust.ID, "error", err)
		h.reply(chatID, "Couldn't check your subscription right now. Please try again in a moment.")
		return
	}
	if sub == nil {
		h.reply(chatID, "Your subscription isn't active. If you just paid, wait a minute or two and try again.")
		return
	}

	if _, err := h.subscribers.Upsert(cust.ID, string(sub.Status), stripeclient.PeriodEnd(sub)); err != nil {
		h.logger.Error("upsert subscriber", "customer_id", cust.ID, "error", err)
		h.reply(chatID, "Something went wrong on our side. Please try again in a moment.")
		return
	}
	if err := h.subscribers.LinkIdentity(cust.ID, userID); err != nil {
		if errors.Is(err, store.ErrAlreadyLinked) {
			h.reply(chatID, "That subscription is already linked to a different Telegram account.")
			return
		}
		h.logger.Error("link identity", "customer_id", cust.ID, "user_id", userID, "error", err)
		h.reply(chatID, "Something went wrong on our side. Please try again in a moment.")
		return
	}

	h.logger.Info("subscription verified by email", "user_id", userID, "customer_id", cust.ID)
	h.sendInvite(chatID, userID, "Subscription verified!")
}

func (h *UpdateHandler) sendPortal(chatID, userID int64) {
	sub, err := h.subscribers.GetByTelegramID(userID)
	if err != nil {
		h.logger.Error("lookup subscriber", "user_id", userID, "error", err)
		h.reply(chatID, "Something went wrong on our side. Please try again in a moment.")
		return
	}
	if sub == nil {
		h.reply(chatID, "No subscription is linked to this account yet. Send your payment email to link one.")
		return
	}

	url, err := h.verifier.CreateBillingPortalSession(sub.CustomerID, h.baseURL)
	if err != nil {
		h.logger.Error("create billing portal session", "customer_id", sub.CustomerID, "error", err)
		h.reply(chatID, "Couldn't open the billing portal right now. Please try again in a moment.")
		return
	}
	h.reply(chatID, "Manage your subscription here:\n"+url)
}

// sendInvite confirms the link and delivers the invite, degrading to a retry
// hint when link creation fails.
func (h *UpdateHandler) sendInvite(chatID, userID int64, prefix string) {
	h.reply(chatID, prefix)
	if err := h.access.SendInvite(userID); err != nil {
		if errors.Is(err, invite.ErrLinkUnavailable) {
			h.reply(chatID, "Couldn't create your invite link just now. Send /start again in a moment.")
			return
		}
		h.logger.Error("send invite", "user_id", userID, "error", err)
	}
}

func (h *UpdateHandler) reply(chatID int64, text string) {
	if err := h.bot.SendMessage(chatID, text); err != nil {
		h.logger.Warn("send reply", "chat_id", chatID, "error", err)
	}
}
