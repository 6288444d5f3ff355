package model

import "time"

// Subscription statuses as reported by Stripe. Stored verbatim; Stripe is
// the authority on transitions, the local row only mirrors the latest value.
const (
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusTrialing          = "trialing"
	StatusActive            = "active"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusUnpaid            = "unpaid"
)

// Subscriber links a Stripe customer to a Telegram identity. One row per
// customer; rows are never deleted, only updated.
type Subscriber struct {
	CustomerID     string     `json:"customer_id"`
	Status         string     `json:"status"`
	PeriodEnd      *time.Time `json:"period_end"`
	TelegramUserID *int64     `json:"telegram_user_id"`
	PendingToken   *string    `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Active reports whether the subscriber currently qualifies for channel access.
func (s *Subscriber) Active() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// ShouldRevoke reports whether a status transition tears down channel access.
func ShouldRevoke(status string) bool {
	switch status {
	case StatusCanceled, StatusPastDue, StatusIncomplete, StatusIncompleteExpired, StatusUnpaid:
		return true
	}
	return false
}
