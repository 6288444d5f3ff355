package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Client is a minimal Telegram Bot API client covering the handful of
// methods this service issues.
type Client struct {
	botToken   string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithBaseURL(url string) Option {
	return func(cl *Client) {
		cl.baseURL = url
	}
}

func NewClient(botToken string, opts ...Option) *Client {
	c := &Client{
		botToken:   botToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the bot token is set.
func (c *Client) Configured() bool {
	return c.botToken != ""
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (c *Client) call(method string, payload any, out any) error {
	if !c.Configured() {
		return fmt.Errorf("telegram client not configured: missing bot token")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram API error on %s: %s", method, apiResp.Description)
	}
	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// SendMessage delivers a plain text message to a chat or user.
func (c *Client) SendMessage(chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	return c.call("sendMessage", payload, nil)
}

// CreateInviteLink creates a channel invitation link. With joinRequest set,
// entry goes through a pending join request; Telegram forbids a member limit
// on such links, so memberLimit only applies to direct links. A zero
// expireAt means the link does not expire.
func (c *Client) CreateInviteLink(chatID int64, name string, expireAt time.Time, memberLimit int, joinRequest bool) (string, error) {
	payload := map[string]any{
		"chat_id":              chatID,
		"name":                 name,
		"creates_join_request": joinRequest,
	}
	if !expireAt.IsZero() {
		payload["expire_date"] = expireAt.Unix()
	}
	if memberLimit > 0 && !joinRequest {
		payload["member_limit"] = memberLimit
	}

	var link struct {
		InviteLink string `json:"invite_link"`
	}
	if err := c.call("createChatInviteLink", payload, &link); err != nil {
		return "", err
	}
	return link.InviteLink, nil
}

// ApproveJoinRequest approves a pending join request.
func (c *Client) ApproveJoinRequest(chatID, userID int64) error {
	return c.call("approveChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

// DeclineJoinRequest declines a pending join request.
func (c *Client) DeclineJoinRequest(chatID, userID int64) error {
	return c.call("declineChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

// BanMember removes a member from the channel.
func (c *Client) BanMember(chatID, userID int64) error {
	return c.call("banChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

// UnbanMember lifts a ban so the user may rejoin later. Harmless when the
// user is not banned.
func (c *Client) UnbanMember(chatID, userID int64) error {
	return c.call("unbanChatMember", map[string]any{
		"chat_id":        chatID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
}

// SetWebhook points Telegram's push delivery at the given URL.
func (c *Client) SetWebhook(url string) error {
	return c.call("setWebhook", map[string]any{"url": url}, nil)
}
