package invite

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLinkUnavailable is returned when no invite link could be produced.
// Callers inform the user and let them retry instead of failing the request.
var ErrLinkUnavailable = errors.New("invite link unavailable")

// Don't hand out links about to expire under the user's finger.
const expiryMargin = 5 * time.Minute

// LinkCreator is the single Bot API call the cache needs.
type LinkCreator interface {
	CreateInviteLink(chatID int64, name string, expireAt time.Time, memberLimit int, joinRequest bool) (string, error)
}

// Cache lazily creates and reuses a join-request-mode invite link for the
// channel. With ttl == 0 one long-lived link is reused until invalidated;
// with ttl > 0 a short-lived link is regenerated once the cached one is
// known-expired.
type Cache struct {
	bot    LinkCreator
	chatID int64
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	link      string
	expiresAt time.Time
}

func NewCache(bot LinkCreator, chatID int64, ttl time.Duration) *Cache {
	return &Cache{
		bot:    bot,
		chatID: chatID,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get returns the cached invite link, creating a fresh one when none exists
// or the cached one is expired.
func (c *Cache) Get() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != "" && (c.ttl == 0 || c.now().Add(expiryMargin).Before(c.expiresAt)) {
		return c.link, nil
	}

	var expireAt time.Time
	if c.ttl > 0 {
		expireAt = c.now().Add(c.ttl)
	}
	link, err := c.bot.CreateInviteLink(c.chatID, "channelgate access", expireAt, 0, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}

	c.link = link
	c.expiresAt = expireAt
	return link, nil
}

// Invalidate drops the cached link so the next Get creates a new one. Used
// when Telegram reports the link revoked or the channel changed.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = ""
	c.expiresAt = time.Time{}
}
