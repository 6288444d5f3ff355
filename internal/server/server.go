package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/channelgate/internal/access"
	"github.com/dukerupert/channelgate/internal/handler"
	"github.com/dukerupert/channelgate/internal/invite"
	"github.com/dukerupert/channelgate/internal/middleware"
	"github.com/dukerupert/channelgate/internal/store"
	stripeclient "github.com/dukerupert/channelgate/internal/stripe"
	"github.com/dukerupert/channelgate/internal/telegram"
)

type Config struct {
	Stripe        stripeclient.Config
	ChannelID     int64
	BotUsername   string
	BaseURL       string
	InviteLinkTTL time.Duration
}

type Server struct {
	db          *sql.DB
	webhookH    *handler.WebhookHandler
	updateH     *handler.UpdateHandler
	welcomeH    *handler.WelcomeHandler
	invites     *invite.Cache
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, bot *telegram.Client, cfg Config, logger *slog.Logger) *Server {
	subscriberStore := store.NewSubscriberStore(db)
	stripeClient := stripeclient.NewClient(cfg.Stripe)
	invites := invite.NewCache(bot, cfg.ChannelID, cfg.InviteLinkTTL)
	accessCtrl := access.NewController(subscriberStore, bot, invites, cfg.ChannelID, logger.With("component", "access"))
	rateLimiter := middleware.NewRateLimiter()

	return &Server{
		db:          db,
		webhookH:    handler.NewWebhookHandler(stripeClient, subscriberStore, accessCtrl, logger.With("component", "stripe_webhook")),
		updateH:     handler.NewUpdateHandler(bot, subscriberStore, stripeClient, accessCtrl, rateLimiter, cfg.BaseURL, logger.With("component", "telegram_webhook")),
		welcomeH:    handler.NewWelcomeHandler(stripeClient, subscriberStore, cfg.BotUsername, logger.With("component", "welcome")),
		invites:     invites,
		rateLimiter: rateLimiter,
		logger:      logger,
	}
}

// Invites returns the invite link cache so the boot sequence can warm it.
func (s *Server) Invites() *invite.Cache {
	return s.invites
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	mux.HandleFunc("POST /webhooks/telegram", s.updateH.HandleTelegramWebhook)
	mux.HandleFunc("GET /welcome", s.rateLimitedHandler(s.welcomeH.Welcome))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
