package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/channelgate/internal/database"
	"github.com/dukerupert/channelgate/internal/logging"
	"github.com/dukerupert/channelgate/internal/server"
	stripeclient "github.com/dukerupert/channelgate/internal/stripe"
	"github.com/dukerupert/channelgate/internal/telegram"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logging.Setup(os.Getenv("LOG_LEVEL"))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "channelgate.db"
	}

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		log.Fatal("BASE_URL is required")
	}

	channelID, err := strconv.ParseInt(os.Getenv("CHANNEL_ID"), 10, 64)
	if err != nil {
		log.Fatalf("CHANNEL_ID must be a numeric chat id: %v", err)
	}

	var inviteTTL time.Duration
	if v := os.Getenv("INVITE_LINK_TTL"); v != "" {
		inviteTTL, err = time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid INVITE_LINK_TTL: %v", err)
		}
	}

	cfg := server.Config{
		Stripe: stripeclient.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		ChannelID:     channelID,
		BotUsername:   os.Getenv("TELEGRAM_BOT_USERNAME"),
		BaseURL:       baseURL,
		InviteLinkTTL: inviteTTL,
	}
	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" {
		log.Fatal("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required")
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	bot := telegram.NewClient(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if !bot.Configured() {
		log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}

	srv := server.New(db, bot, cfg, logger)

	// Point Telegram at this deployment. Non-fatal: the old registration may
	// still be valid and the bot can be re-pointed by restarting.
	if err := bot.SetWebhook(baseURL + "/webhooks/telegram"); err != nil {
		logger.Warn("set telegram webhook", "error", err)
	}

	// Warm the invite link so the first join request doesn't pay the
	// creation round trip.
	if _, err := srv.Invites().Get(); err != nil {
		logger.Warn("warm invite link", "error", err)
	}

	// Drop stale rate limit windows hourly.
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-cleanupDone:
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		fmt.Printf("channelgate running at http://localhost:%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down...")
	close(cleanupDone)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
