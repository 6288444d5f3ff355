package access

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/channelgate/internal/database"
	"github.com/dukerupert/channelgate/internal/invite"
	"github.com/dukerupert/channelgate/internal/model"
	"github.com/dukerupert/channelgate/internal/store"
)

type fakeBot struct {
	messages  []string
	approved  []int64
	declined  []int64
	banned    []int64
	unbanned  []int64
	banErr    error
	sendErr   error
	linkCalls int
}

func (f *fakeBot) SendMessage(chatID int64, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeBot) ApproveJoinRequest(chatID, userID int64) error {
	f.approved = append(f.approved, userID)
	return nil
}

func (f *fakeBot) DeclineJoinRequest(chatID, userID int64) error {
	f.declined = append(f.declined, userID)
	return nil
}

func (f *fakeBot) BanMember(chatID, userID int64) error {
	if f.banErr != nil {
		return f.banErr
	}
	f.banned = append(f.banned, userID)
	return nil
}

func (f *fakeBot) UnbanMember(chatID, userID int64) error {
	f.unbanned = append(f.unbanned, userID)
	return nil
}

func (f *fakeBot) CreateInviteLink(chatID int64, name string, expireAt time.Time, memberLimit int, joinRequest bool) (string, error) {
	f.linkCalls++
	return "https://t.me/+abc123", nil
}

func setupController(t *testing.T) (*Controller, *store.SubscriberStore, *fakeBot) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ss := store.NewSubscriberStore(db)
	bot := &fakeBot{}
	invites := invite.NewCache(bot, -100123, 0)
	ctrl := NewController(ss, bot, invites, -100123, slog.Default())
	return ctrl, ss, bot
}

func linkSubscriber(t *testing.T, ss *store.SubscriberStore, customerID, status string, userID int64) {
	t.Helper()
	if _, err := ss.Upsert(customerID, status, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	token, err := ss.IssueToken(customerID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := ss.Redeem(token, userID); err != nil {
		t.Fatalf("redeem: %v", err)
	}
}

func TestJoinRequestGating(t *testing.T) {
	cases := []struct {
		status  string
		approve bool
	}{
		{model.StatusActive, true},
		{model.StatusTrialing, true},
		{model.StatusIncomplete, false},
		{model.StatusPastDue, false},
		{model.StatusCanceled, false},
		{model.StatusUnpaid, false},
	}

	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			ctrl, ss, bot := setupController(t)
			linkSubscriber(t, ss, "cus_1", tc.status, 42)

			if err := ctrl.HandleJoinRequest(42); err != nil {
				t.Fatalf("handle join request: %v", err)
			}

			if tc.approve {
				if len(bot.approved) != 1 || bot.approved[0] != 42 {
					t.Errorf("approved = %v, want [42]", bot.approved)
				}
				if len(bot.declined) != 0 {
					t.Errorf("declined = %v, want none", bot.declined)
				}
			} else {
				if len(bot.declined) != 1 || bot.declined[0] != 42 {
					t.Errorf("declined = %v, want [42]", bot.declined)
				}
				if len(bot.approved) != 0 {
					t.Errorf("approved = %v, want none", bot.approved)
				}
			}
		})
	}
}

func TestJoinRequestUnknownIdentity(t *testing.T) {
	ctrl, _, bot := setupController(t)

	if err := ctrl.HandleJoinRequest(99); err != nil {
		t.Fatalf("handle join request: %v", err)
	}
	if len(bot.declined) != 1 || bot.declined[0] != 99 {
		t.Errorf("declined = %v, want [99]", bot.declined)
	}
	if len(bot.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(bot.messages))
	}
}

func TestRevokeLinkedSubscriber(t *testing.T) {
	ctrl, ss, bot := setupController(t)
	linkSubscriber(t, ss, "cus_1", model.StatusPastDue, 42)

	if err := ctrl.Revoke("cus_1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if len(bot.banned) != 1 || bot.banned[0] != 42 {
		t.Errorf("banned = %v, want [42]", bot.banned)
	}
	if len(bot.unbanned) != 1 || bot.unbanned[0] != 42 {
		t.Errorf("unbanned = %v, want [42]", bot.unbanned)
	}
	if len(bot.messages) != 1 {
		t.Errorf("messages = %d, want 1 revocation notice", len(bot.messages))
	}
}

func TestRevokeUnlinkedIsNoop(t *testing.T) {
	ctrl, ss, bot := setupController(t)
	if _, err := ss.Upsert("cus_1", model.StatusCanceled, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := ctrl.Revoke("cus_1"); err != nil {
		t.Fatalf("revoke unlinked: %v", err)
	}
	if err := ctrl.Revoke("cus_unknown"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}
	if len(bot.banned) != 0 || len(bot.messages) != 0 {
		t.Errorf("expected no commands, got banned=%v messages=%v", bot.banned, bot.messages)
	}
}

func TestRevokeBotFailureIsNonFatal(t *testing.T) {
	ctrl, ss, bot := setupController(t)
	linkSubscriber(t, ss, "cus_1", model.StatusPastDue, 42)
	bot.banErr = errors.New("bot was kicked from the channel")

	if err := ctrl.Revoke("cus_1"); err != nil {
		t.Fatalf("revoke with bot failure: %v", err)
	}
}

func TestSendInvite(t *testing.T) {
	ctrl, _, bot := setupController(t)

	if err := ctrl.SendInvite(42); err != nil {
		t.Fatalf("send invite: %v", err)
	}
	if err := ctrl.SendInvite(43); err != nil {
		t.Fatalf("second send invite: %v", err)
	}

	if bot.linkCalls != 1 {
		t.Errorf("link creations = %d, want 1 (cached)", bot.linkCalls)
	}
	if len(bot.messages) != 2 {
		t.Errorf("messages = %d, want 2", len(bot.messages))
	}
}
