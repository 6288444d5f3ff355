package access

import (
	"fmt"
	"log/slog"

	"github.com/dukerupert/channelgate/internal/invite"
	"github.com/dukerupert/channelgate/internal/store"
)

// Bot covers the membership commands the controller issues.
type Bot interface {
	SendMessage(chatID int64, text string) error
	ApproveJoinRequest(chatID, userID int64) error
	DeclineJoinRequest(chatID, userID int64) error
	BanMember(chatID, userID int64) error
	UnbanMember(chatID, userID int64) error
}

// Controller decides, for every join attempt and status change, whether
// channel access is granted, withheld, or torn down. The subscriber store is
// the source of truth; Bot API failures are logged and never undo a store
// mutation.
type Controller struct {
	subscribers *store.SubscriberStore
	bot         Bot
	invites     *invite.Cache
	chatID      int64
	logger      *slog.Logger
}

func NewController(subscribers *store.SubscriberStore, bot Bot, invites *invite.Cache, chatID int64, logger *slog.Logger) *Controller {
	return &Controller{
		subscribers: subscribers,
		bot:         bot,
		invites:     invites,
		chatID:      chatID,
		logger:      logger,
	}
}

// HandleJoinRequest approves the pending join request when the identity maps
// to a subscriber in good standing, and declines it otherwise. Returns an
// error only for store failures.
func (c *Controller) HandleJoinRequest(userID int64) error {
	sub, err := c.subscribers.GetByTelegramID(userID)
	if err != nil {
		return fmt.Errorf("lookup subscriber: %w", err)
	}

	if sub != nil && sub.Active() {
		if err := c.bot.ApproveJoinRequest(c.chatID, userID); err != nil {
			c.logger.Error("approve join request", "user_id", userID, "error", err)
			return nil
		}
		c.logger.Info("join request approved", "user_id", userID, "customer_id", sub.CustomerID)
		c.notify(userID, "Access granted. Welcome to the channel!")
		return nil
	}

	if err := c.bot.DeclineJoinRequest(c.chatID, userID); err != nil {
		c.logger.Error("decline join request", "user_id", userID, "error", err)
		return nil
	}
	c.logger.Info("join request declined", "user_id", userID)
	c.notify(userID, "No active subscription was found for your account. Send /start to the bot to verify your payment, then try again.")
	return nil
}

// Revoke ejects the identity linked to the customer from the channel: a ban
// immediately lifted, so the user is out but may rejoin after renewing.
// Unlinked customers are a no-op. Repeats against an already-removed member
// are harmless. Returns an error only for store failures.
func (c *Controller) Revoke(customerID string) error {
	sub, err := c.subscribers.GetByCustomerID(customerID)
	if err != nil {
		return fmt.Errorf("lookup subscriber: %w", err)
	}
	if sub == nil || sub.TelegramUserID == nil {
		return nil
	}
	userID := *sub.TelegramUserID

	if err := c.bot.BanMember(c.chatID, userID); err != nil {
		c.logger.Error("remove member", "user_id", userID, "customer_id", customerID, "error", err)
		return nil
	}
	if err := c.bot.UnbanMember(c.chatID, userID); err != nil {
		c.logger.Error("lift removal ban", "user_id", userID, "customer_id", customerID, "error", err)
	}
	c.logger.Info("access revoked", "user_id", userID, "customer_id", customerID)
	c.notify(userID, "Your subscription is no longer active, so you've been removed from the channel. Once you renew, send /start to the bot to get back in.")
	return nil
}

// SendInvite delivers the channel invite link to the user. The link creation
// failure surfaces as invite.ErrLinkUnavailable so the caller can tell the
// user to retry.
func (c *Controller) SendInvite(userID int64) error {
	link, err := c.invites.Get()
	if err != nil {
		return err
	}
	text := "Tap this link to request access to the channel (approved automatically):\n" + link
	if err := c.bot.SendMessage(userID, text); err != nil {
		return fmt.Errorf("send invite: %w", err)
	}
	return nil
}

func (c *Controller) notify(userID int64, text string) {
	if err := c.bot.SendMessage(userID, text); err != nil {
		// The user may have blocked the bot; access state already advanced.
		c.logger.Warn("notify user", "user_id", userID, "error", err)
	}
}
