package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpilot/internal/models"
)

// Store wraps pgxpool for Postgres persistence: action tracking records,
// the account directory, and the processed-message index.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Record upserts the tracking record for (accountID, messageKey). The
// orchestrator writes it twice per message: once with the recommended action
// before any mailbox mutation, once with the destination after. Records are
// overwritten, never deleted; last writer wins.
func (s *Store) Record(ctx context.Context, userID, accountID, messageKey, action, subject, destination string, fallbackUID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_records (account_id, message_key, user_id, action, destination, subject, fallback_uid, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, 0), NOW())
		ON CONFLICT (account_id, message_key) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    action = EXCLUDED.action,
		    destination = EXCLUDED.destination,
		    subject = EXCLUDED.subject,
		    fallback_uid = COALESCE(EXCLUDED.fallback_uid, action_records.fallback_uid),
		    updated_at = NOW()
	`, accountID, messageKey, userID, action, destination, subject, fallbackUID)
	if err != nil {
		return fmt.Errorf("record action %s/%s: %w", accountID, messageKey, err)
	}
	return nil
}

// Reset rolls the record back to "none" so the message becomes eligible for
// reprocessing. Destination and subject are cleared with it.
func (s *Store) Reset(ctx context.Context, accountID, messageKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_records (account_id, message_key, action, destination, subject, updated_at)
		VALUES ($1, $2, $3, NULL, NULL, NOW())
		ON CONFLICT (account_id, message_key) DO UPDATE
		SET action = EXCLUDED.action, destination = NULL, subject = NULL, updated_at = NOW()
	`, accountID, messageKey, models.ActionNone)
	if err != nil {
		return fmt.Errorf("reset action %s/%s: %w", accountID, messageKey, err)
	}
	return nil
}

// GetMany fetches records for a batch of message keys in one round-trip.
// Keys with no record are simply absent from the map.
func (s *Store) GetMany(ctx context.Context, accountID string, messageKeys []string) (map[string]models.TrackingRecord, error) {
	out := make(map[string]models.TrackingRecord, len(messageKeys))
	if len(messageKeys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, message_key, action, destination, subject, fallback_uid, updated_at
		FROM action_records
		WHERE account_id = $1 AND message_key = ANY($2)
	`, accountID, messageKeys)
	if err != nil {
		return nil, fmt.Errorf("query action records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.TrackingRecord
		var dest, subject pgtype.Text
		var uid pgtype.Int8
		if err := rows.Scan(&rec.AccountID, &rec.MessageKey, &rec.Action, &dest, &subject, &uid, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		rec.Destination = dest.String
		rec.Subject = subject.String
		rec.FallbackUID = uid.Int64
		out[rec.MessageKey] = rec
	}
	return out, rows.Err()
}

// Account is one mailbox account in the directory.
type Account struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// AccountsForUser lists all accounts owned by a user, for fan-out jobs.
func (s *Store) AccountsForUser(ctx context.Context, userID string) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, provider_id, created_at FROM accounts WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider_id, created_at FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.UserID, &a.ProviderID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s not found: %w", id, err)
	}
	if err != nil {
		return Account{}, fmt.Errorf("query account %s: %w", id, err)
	}
	return a, nil
}

// IndexProcessed records a processed message for downstream search. Callers
// treat failures as best-effort.
func (s *Store) IndexProcessed(ctx context.Context, accountID, messageKey, subject, action, archiveKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (account_id, message_key, subject, action, archive_key, processed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NOW())
		ON CONFLICT (account_id, message_key) DO UPDATE
		SET subject = EXCLUDED.subject, action = EXCLUDED.action, archive_key = EXCLUDED.archive_key, processed_at = NOW()
	`, accountID, messageKey, subject, action, archiveKey)
	return err
}
