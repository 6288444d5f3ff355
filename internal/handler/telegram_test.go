package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/channelgate/internal/database"
	"github.com/dukerupert/channelgate/internal/invite"
	"github.com/dukerupert/channelgate/internal/middleware"
	"github.com/dukerupert/channelgate/internal/model"
	"github.com/dukerupert/channelgate/internal/store"
	"github.com/dukerupert/channelgate/internal/telegram"
)

type recordBot struct {
	messages []string
}

func (b *recordBot) SendMessage(chatID int64, text string) error {
	b.messages = append(b.messages, text)
	return nil
}

func (b *recordBot) lastMessage() string {
	if len(b.messages) == 0 {
		return ""
	}
	return b.messages[len(b.messages)-1]
}

type fakeVerifier struct {
	customers map[string]*stripe.Customer
	active    map[string]*stripe.Subscription
	portalURL string
	calls     int
}

func (f *fakeVerifier) FindCustomerByEmail(email string) (*stripe.Customer, error) {
	f.calls++
	return f.customers[email], nil
}

func (f *fakeVerifier) FindActiveSubscription(customerID string) (*stripe.Subscription, error) {
	return f.active[customerID], nil
}

func (f *fakeVerifier) CreateBillingPortalSession(customerID, returnURL string) (string, error) {
	return f.portalURL, nil
}

type fakeAccessController struct {
	joinRequests []int64
	invites      []int64
	inviteErr    error
}

func (f *fakeAccessController) HandleJoinRequest(userID int64) error {
	f.joinRequests = append(f.joinRequests, userID)
	return nil
}

func (f *fakeAccessController) SendInvite(userID int64) error {
	if f.inviteErr != nil {
		return f.inviteErr
	}
	f.invites = append(f.invites, userID)
	return nil
}

func setupUpdateHandler(t *testing.T) (*UpdateHandler, *store.SubscriberStore, *recordBot, *fakeVerifier, *fakeAccessController) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ss := store.NewSubscriberStore(db)
	bot := &recordBot{}
	verifier := &fakeVerifier{
		customers: make(map[string]*stripe.Customer),
		active:    make(map[string]*stripe.Subscription),
		portalURL: "https://billing.stripe.com/session/xyz",
	}
	access := &fakeAccessController{}
	h := NewUpdateHandler(bot, ss, verifier, access, middleware.NewRateLimiter(), "https://example.com", slog.Default())
	return h, ss, bot, verifier, access
}

func messageUpdate(userID int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			From: &telegram.User{ID: userID},
			Chat: telegram.Chat{ID: userID, Type: "private"},
			Text: text,
		},
	}
}

func TestJoinRequestRouted(t *testing.T) {
	h, _, _, _, access := setupUpdateHandler(t)

	h.Process(telegram.Update{
		UpdateID: 1,
		ChatJoinRequest: &telegram.ChatJoinRequest{
			Chat: telegram.Chat{ID: -100123, Type: "channel"},
			From: telegram.User{ID: 42},
		},
	})

	if len(access.joinRequests) != 1 || access.joinRequests[0] != 42 {
		t.Errorf("join requests = %v, want [42]", access.joinRequests)
	}
}

func TestStartWithoutArgGreets(t *testing.T) {
	h, _, bot, _, access := setupUpdateHandler(t)

	h.Process(messageUpdate(42, "/start"))

	if len(bot.messages) != 1 || !strings.Contains(bot.messages[0], "email") {
		t.Errorf("messages = %v, want a greeting asking for the email", bot.messages)
	}
	if len(access.invites) != 0 {
		t.Error("bare /start must not send an invite")
	}
}

func TestStartRedeemsToken(t *testing.T) {
	h, ss, bot, _, access := setupUpdateHandler(t)

	if _, err := ss.Upsert("cus_1", model.StatusActive, nil); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	token, err := ss.IssueToken("cus_1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	h.Process(messageUpdate(42, "/start "+token))

	sub, _ := ss.GetByCustomerID("cus_1")
	if sub.TelegramUserID == nil || *sub.TelegramUserID != 42 {
		t.Errorf("telegram_user_id = %v, want 42", sub.TelegramUserID)
	}
	if len(access.invites) != 1 || access.invites[0] != 42 {
		t.Errorf("invites = %v, want [42]", access.invites)
	}
	if len(bot.messages) == 0 || !strings.Contains(bot.messages[0], "confirmed") {
		t.Errorf("messages = %v, want a confirmation", bot.messages)
	}
}

func TestStartWithUsedToken(t *testing.T) {
	h, ss, bot, _, access := setupUpdateHandler(t)

	if _, err := ss.Upsert("cus_1", model.StatusActive, nil); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	token, _ := ss.IssueToken("cus_1")
	if _, err := ss.Redeem(token, 42); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	h.Process(messageUpdate(77, "/start "+token))

	if !strings.Contains(bot.lastMessage(), "already been used") {
		t.Errorf("message = %q, want used-token notice", bot.lastMessage())
	}
	if len(access.invites) != 0 {
		t.Error("used token must not produce an invite")
	}
	sub, _ := ss.GetByCustomerID("cus_1")
	if *sub.TelegramUserID != 42 {
		t.Errorf("telegram_user_id = %d, first redeemer must keep the link", *sub.TelegramUserID)
	}
}

func TestStartWithInactiveSubscription(t *testing.T) {
	h, ss, bot, _, access := setupUpdateHandler(t)

	if _, err := ss.Upsert("cus_1", model.StatusIncomplete, nil); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	token, _ := ss.IssueToken("cus_1")

	h.Process(messageUpdate(42, "/start "+token))

	// The identity still links so later webhook events can revoke or invite.
	sub, _ := ss.GetByCustomerID("cus_1")
	if sub.TelegramUserID == nil || *sub.TelegramUserID != 42 {
		t.Errorf("telegram_user_id = %v, want 42", sub.TelegramUserID)
	}
	if len(access.invites) != 0 {
		t.Error("inactive subscription must not get an invite")
	}
	if !strings.Contains(bot.lastMessage(), "isn't active") {
		t.Errorf("message = %q, want inactive notice", bot.lastMessage())
	}
}

func TestVerifyEmailSuccess(t *testing.T) {
	h, ss, bot, verifier, access := setupUpdateHandler(t)
	verifier.customers["payer@example.com"] = &stripe.Customer{ID: "cus_1"}
	verifier.active["cus_1"] = &stripe.Subscription{
		ID:     "sub_1",
		Status: stripe.SubscriptionStatusActive,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix()}},
		},
	}

	h.Process(messageUpdate(42, "Payer@Example.com"))

	sub, _ := ss.GetByCustomerID("cus_1")
	if sub == nil {
		t.Fatal("expected a subscriber row after verification")
	}
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want %q", sub.Status, model.StatusActive)
	}
	if sub.TelegramUserID == nil || *sub.TelegramUserID != 42 {
		t.Errorf("telegram_user_id = %v, want 42", sub.TelegramUserID)
	}
	if len(access.invites) != 1 {
		t.Errorf("invites = %v, want exactly one", access.invites)
	}
	if len(bot.messages) == 0 || !strings.Contains(bot.messages[0], "verified") {
		t.Errorf("messages = %v, want a verification confirmation", bot.messages)
	}
}

func TestVerifyEmailUnknownCustomer(t *testing.T) {
	h, _, bot, _, access := setupUpdateHandler(t)

	h.Process(messageUpdate(42, "nobody@example.com"))

	if !strings.Contains(bot.lastMessage(), "No subscription was found") {
		t.Errorf("message = %q, want not-found notice", bot.lastMessage())
	}
	if len(access.invites) != 0 {
		t.Error("unknown email must not produce an invite")
	}
}

func TestVerifyEmailNoActiveSubscription(t *testing.T) {
	h, ss, bot, verifier, _ := setupUpdateHandler(t)
	verifier.customers["payer@example.com"] = &stripe.Customer{ID: "cus_1"}

	h.Process(messageUpdate(42, "payer@example.com"))

	if !strings.Contains(bot.lastMessage(), "isn't active") {
		t.Errorf("message = %q, want inactive notice", bot.lastMessage())
	}
	if sub, _ := ss.GetByCustomerID("cus_1"); sub != nil {
		t.Error("no row should be created without an active subscription")
	}
}

func TestVerifyEmailAlreadyLinkedElsewhere(t *testing.T) {
	h, ss, bot, verifier, access := setupUpdateHandler(t)
	verifier.customers["payer@example.com"] = &stripe.Customer{ID: "cus_1"}
	verifier.active["cus_1"] = &stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusActive}

	if _, err := ss.Upsert("cus_1", model.StatusActive, nil); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	token, _ := ss.IssueToken("cus_1")
	if _, err := ss.Redeem(token, 99); err != nil {
		t.Fatalf("link first account: %v", err)
	}

	h.Process(messageUpdate(42, "payer@example.com"))

	if !strings.Contains(bot.lastMessage(), "different Telegram account") {
		t.Errorf("message = %q, want already-linked notice", bot.lastMessage())
	}
	if len(access.invites) != 0 {
		t.Error("second account must not receive an invite")
	}
	sub, _ := ss.GetByCustomerID("cus_1")
	if *sub.TelegramUserID != 99 {
		t.Errorf("telegram_user_id = %d, original link must survive", *sub.TelegramUserID)
	}
}

func TestVerifyEmailMalformed(t *testing.T) {
	h, _, bot, verifier, _ := setupUpdateHandler(t)

	h.Process(messageUpdate(42, "not an email"))

	if !strings.Contains(bot.lastMessage(), "doesn't look like an email") {
		t.Errorf("message = %q, want format hint", bot.lastMessage())
	}
	if verifier.calls != 0 {
		t.Error("malformed input must not hit Stripe")
	}
}

func TestVerifyEmailRateLimited(t *testing.T) {
	h, _, bot, verifier, _ := setupUpdateHandler(t)

	for i := 0; i < verifyLimit; i++ {
		h.Process(messageUpdate(42, fmt.Sprintf("guess%d@example.com", i)))
	}
	callsBefore := verifier.calls

	h.Process(messageUpdate(42, "another@example.com"))

	if !strings.Contains(bot.lastMessage(), "Too many attempts") {
		t.Errorf("message = %q, want throttle notice", bot.lastMessage())
	}
	if verifier.calls != callsBefore {
		t.Error("throttled attempt must not hit Stripe")
	}

	// A different user is not affected.
	h.Process(messageUpdate(43, "other@example.com"))
	if verifier.calls != callsBefore+1 {
		t.Error("other users should not share the throttle window")
	}
}

func TestPortalLinked(t *testing.T) {
	h, ss, bot, _, _ := setupUpdateHandler(t)

	if _, err := ss.Upsert("cus_1", model.StatusActive, nil); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	token, _ := ss.IssueToken("cus_1")
	if _, err := ss.Redeem(token, 42); err != nil {
		t.Fatalf("link account: %v", err)
	}

	h.Process(messageUpdate(42, "/portal"))

	if !strings.Contains(bot.lastMessage(), "billing.stripe.com") {
		t.Errorf("message = %q, want the portal url", bot.lastMessage())
	}
}

func TestPortalUnlinked(t *testing.T) {
	h, _, bot, _, _ := setupUpdateHandler(t)

	h.Process(messageUpdate(42, "/portal"))

	if !strings.Contains(bot.lastMessage(), "No subscription is linked") {
		t.Errorf("message = %q, want unlinked notice", bot.lastMessage())
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	h, _, bot, verifier, _ := setupUpdateHandler(t)

	h.Process(messageUpdate(42, "/help"))

	if len(bot.messages) != 0 {
		t.Errorf("messages = %v, want silence for unknown commands", bot.messages)
	}
	if verifier.calls != 0 {
		t.Error("commands must not be treated as email input")
	}
}

func TestInviteLinkUnavailableDegrades(t *testing.T) {
	h, ss, bot, _, access := setupUpdateHandler(t)
	access.inviteErr = fmt.Errorf("%w: telegram down", invite.ErrLinkUnavailable)

	if _, err := ss.Upsert("cus_1", model.StatusActive, nil); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	token, _ := ss.IssueToken("cus_1")

	h.Process(messageUpdate(42, "/start "+token))

	if !strings.Contains(bot.lastMessage(), "/start again") {
		t.Errorf("message = %q, want retry hint", bot.lastMessage())
	}
}

func TestWebhookAlwaysAcks(t *testing.T) {
	h, _, _, _, _ := setupUpdateHandler(t)

	for _, body := range []string{`{"update_id":1}`, `not json`} {
		req := httptest.NewRequest("POST", "/webhooks/telegram", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.HandleTelegramWebhook(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("body %q: status = %d, want %d", body, rec.Code, http.StatusOK)
		}
	}
}
