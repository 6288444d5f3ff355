package handler

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/channelgate/internal/store"
)

// CheckoutResolver resolves a checkout session id to its customer.
type CheckoutResolver interface {
	GetCheckoutSession(id string) (*stripe.CheckoutSession, error)
}

const welcomePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Link}}<p><a href="{{.Link}}">Open Telegram</a></p>{{end}}
</body>
</html>`

type welcomeData struct {
	Title   string
	Message string
	Link    string
}

// WelcomeHandler renders the post-checkout page carrying the single-use deep
// link into the bot. The token itself is minted by the webhook; this page
// only reads it back from the row.
type WelcomeHandler struct {
	provider    CheckoutResolver
	subscribers *store.SubscriberStore
	botUsername string
	tmpl        *template.Template
	logger      *slog.Logger
}

func NewWelcomeHandler(provider CheckoutResolver, subscribers *store.SubscriberStore, botUsername string, logger *slog.Logger) *WelcomeHandler {
	return &WelcomeHandler{
		provider:    provider,
		subscribers: subscribers,
		botUsername: botUsername,
		tmpl:        template.Must(template.New("welcome").Parse(welcomePage)),
		logger:      logger,
	}
}

func (h *WelcomeHandler) Welcome(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	sess, err := h.provider.GetCheckoutSession(sessionID)
	if err != nil {
		h.logger.Warn("resolve checkout session", "error", err)
		http.Error(w, "unknown checkout session", http.StatusNotFound)
		return
	}
	if sess.Customer == nil {
		h.renderPending(w)
		return
	}

	sub, err := h.subscribers.GetByCustomerID(sess.Customer.ID)
	if err != nil {
		h.logger.Error("lookup subscriber", "customer_id", sess.Customer.ID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	switch {
	case sub == nil:
		// The webhook for this checkout hasn't landed yet.
		h.renderPending(w)
	case sub.PendingToken != nil:
		h.render(w, welcomeData{
			Title:   "Payment received",
			Message: "Tap the button below to open Telegram and unlock your channel access. The link works once.",
			Link:    fmt.Sprintf("https://t.me/%s?start=%s", h.botUsername, *sub.PendingToken),
		})
	case sub.TelegramUserID != nil:
		h.render(w, welcomeData{
			Title:   "All set",
			Message: "Your Telegram account is already linked. Open the bot and send /start if you still need the channel invite.",
		})
	default:
		h.renderPending(w)
	}
}

func (h *WelcomeHandler) renderPending(w http.ResponseWriter) {
	h.render(w, welcomeData{
		Title:   "Payment processing",
		Message: "We're still confirming your payment. Refresh this page in a few seconds.",
	})
}

func (h *WelcomeHandler) render(w http.ResponseWriter, data welcomeData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.Execute(w, data); err != nil {
		h.logger.Error("render welcome page", "error", err)
	}
}
