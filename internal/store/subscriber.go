package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/channelgate/internal/model"
)

var (
	// ErrTokenInvalid is returned when a linking token is unknown, already
	// consumed, or offered by the wrong identity.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrSubscriberNotFound is returned by mutations that require an
	// existing row.
	ErrSubscriberNotFound = errors.New("subscriber not found")

	// ErrAlreadyLinked is returned when a customer is already bound to a
	// different Telegram identity.
	ErrAlreadyLinked = errors.New("subscriber already linked to another identity")
)

// SubscriberStore is the single source of truth for access decisions. All
// mutations are single conditional statements so concurrent webhook, join,
// and redemption traffic never needs application-level locks.
type SubscriberStore struct {
	db *sql.DB
}

func NewSubscriberStore(db *sql.DB) *SubscriberStore {
	return &SubscriberStore{db: db}
}

func scanSubscriber(scanner interface{ Scan(...any) error }) (*model.Subscriber, error) {
	var sub model.Subscriber
	var periodEnd sql.NullTime
	var telegramUserID sql.NullInt64
	var pendingToken sql.NullString
	err := scanner.Scan(
		&sub.CustomerID, &sub.Status, &periodEnd, &telegramUserID,
		&pendingToken, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if periodEnd.Valid {
		sub.PeriodEnd = &periodEnd.Time
	}
	if telegramUserID.Valid {
		sub.TelegramUserID = &telegramUserID.Int64
	}
	if pendingToken.Valid {
		sub.PendingToken = &pendingToken.String
	}
	return &sub, nil
}

const subscriberCols = `customer_id, status, period_end, telegram_user_id, pending_token, created_at, updated_at`

// Upsert creates the row for a customer or updates its status and period end.
// It never touches telegram_user_id or pending_token, so status-only updates
// cannot unlink an identity or invalidate a token. Re-applying the same
// update is a no-op apart from updated_at.
func (s *SubscriberStore) Upsert(customerID, status string, periodEnd *time.Time) (*model.Subscriber, error) {
	var pe sql.NullTime
	if periodEnd != nil {
		pe = sql.NullTime{Time: periodEnd.UTC(), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO subscribers (customer_id, status, period_end) VALUES (?, ?, ?)
		 ON CONFLICT(customer_id) DO UPDATE SET
		   status = excluded.status,
		   period_end = excluded.period_end,
		   updated_at = datetime('now')`,
		customerID, status, pe,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscriber: %w", err)
	}
	return s.GetByCustomerID(customerID)
}

// generateToken returns a 256-bit crypto-random hex token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueToken mints a fresh single-use linking token for the customer. Any
// previously pending token is overwritten and becomes permanently invalid.
func (s *SubscriberStore) IssueToken(customerID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	result, err := s.db.Exec(
		`UPDATE subscribers SET pending_token = ?, updated_at = datetime('now') WHERE customer_id = ?`,
		token, customerID,
	)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return "", ErrSubscriberNotFound
	}
	return token, nil
}

// Redeem consumes a pending token and binds the Telegram identity to the
// matching customer row. The conditional UPDATE is the compare-and-swap:
// when two redemptions race on one token, exactly one clears it and the
// other sees ErrTokenInvalid. An identity already linked to the row may
// redeem again; a different identity may not displace it.
func (s *SubscriberStore) Redeem(token string, telegramUserID int64) (*model.Subscriber, error) {
	sub, err := s.GetByToken(token)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrTokenInvalid
	}

	result, err := s.db.Exec(
		`UPDATE subscribers SET telegram_user_id = ?, pending_token = NULL, updated_at = datetime('now')
		 WHERE pending_token = ? AND (telegram_user_id IS NULL OR telegram_user_id = ?)`,
		telegramUserID, token, telegramUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("redeem token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrTokenInvalid
	}
	return s.GetByCustomerID(sub.CustomerID)
}

// LinkIdentity binds a Telegram identity outside the token flow (email
// verification). It refuses to displace an existing link to a different
// identity.
func (s *SubscriberStore) LinkIdentity(customerID string, telegramUserID int64) error {
	result, err := s.db.Exec(
		`UPDATE subscribers SET telegram_user_id = ?, updated_at = datetime('now')
		 WHERE customer_id = ? AND (telegram_user_id IS NULL OR telegram_user_id = ?)`,
		telegramUserID, customerID, telegramUserID,
	)
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.GetByCustomerID(customerID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrSubscriberNotFound
		}
		return ErrAlreadyLinked
	}
	return nil
}

func (s *SubscriberStore) GetByCustomerID(customerID string) (*model.Subscriber, error) {
	row := s.db.QueryRow(`SELECT `+subscriberCols+` FROM subscribers WHERE customer_id = ?`, customerID)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}

func (s *SubscriberStore) GetByTelegramID(telegramUserID int64) (*model.Subscriber, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriberCols+` FROM subscribers WHERE telegram_user_id = ? ORDER BY updated_at DESC LIMIT 1`,
		telegramUserID,
	)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber by telegram id: %w", err)
	}
	return sub, nil
}

func (s *SubscriberStore) GetByToken(token string) (*model.Subscriber, error) {
	row := s.db.QueryRow(`SELECT `+subscriberCols+` FROM subscribers WHERE pending_token = ?`, token)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber by token: %w", err)
	}
	return sub, nil
}
