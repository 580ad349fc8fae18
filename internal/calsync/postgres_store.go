package calsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

// PostgresStore persists per-user calendar state as one JSON document per
// user, with subscriptions and credentials as plain rows. Tables are created
// lazily on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS calendar_state (
				user_id TEXT PRIMARY KEY,
				events TEXT NOT NULL DEFAULT '[]',
				sync_cursor TEXT NOT NULL DEFAULT '',
				calendar_list TEXT,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
				channel_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				resource_id TEXT NOT NULL DEFAULT '',
				expiration TIMESTAMPTZ NOT NULL,
				last_sync_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS webhook_subscriptions_user_idx
				ON webhook_subscriptions (user_id)`,
			`CREATE INDEX IF NOT EXISTS webhook_subscriptions_expiration_idx
				ON webhook_subscriptions (expiration)`,
			`CREATE TABLE IF NOT EXISTS user_credentials (
				user_id TEXT PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				scope TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) loadEvents(ctx context.Context, userID string) ([]EventRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT events FROM calendar_state WHERE user_id = $1", userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []EventRecord
	if err := json.Unmarshal([]byte(payload), &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PostgresStore) saveEvents(ctx context.Context, userID string, events []EventRecord) error {
	if events == nil {
		events = []EventRecord{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_state (user_id, events, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET events = EXCLUDED.events, updated_at = NOW()`,
		userID, string(payload))
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, userID string) ([]EventRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	events, err := s.loadEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		return []EventRecord{}, nil
	}
	return events, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, userID, eventID string) (EventRecord, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return EventRecord{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return EventRecord{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	events, err := s.loadEvents(ctx, userID)
	if err != nil {
		return EventRecord{}, err
	}
	for _, event := range events {
		if event.ID == eventID {
			return event, nil
		}
	}
	return EventRecord{}, ErrNotFound
}

func (s *PostgresStore) ReplaceEvents(ctx context.Context, userID string, events []EventRecord) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.saveEvents(ctx, userID, events)
}

func (s *PostgresStore) UpsertEvent(ctx context.Context, userID string, event EventRecord) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := event.Validate(); err != nil {
		return err
	}
	return s.mutateEvents(ctx, userID, func(events []EventRecord) []EventRecord {
		for i, existing := range events {
			if existing.ID == event.ID {
				events[i] = event
				return events
			}
		}
		return append(events, event)
	})
}

func (s *PostgresStore) RemoveEvent(ctx context.Context, userID, eventID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	return s.mutateEvents(ctx, userID, func(events []EventRecord) []EventRecord {
		kept := events[:0]
		for _, event := range events {
			if event.ID != eventID {
				kept = append(kept, event)
			}
		}
		return kept
	})
}

// mutateEvents runs a read-modify-write of the per-user document under a row
// lock. Concurrent writers serialize here; last write wins across separate
// calls, which is the accepted store-level semantics.
func (s *PostgresStore) mutateEvents(ctx context.Context, userID string, mutate func([]EventRecord) []EventRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var payload string
	err = tx.QueryRowContext(ctx,
		"SELECT events FROM calendar_state WHERE user_id = $1 FOR UPDATE", userID).Scan(&payload)
	var events []EventRecord
	switch {
	case errors.Is(err, sql.ErrNoRows):
		events = nil
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(payload), &events); err != nil {
			return err
		}
	}

	mutated := mutate(events)
	if mutated == nil {
		mutated = []EventRecord{}
	}
	out, err := json.Marshal(mutated)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calendar_state (user_id, events, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET events = EXCLUDED.events, updated_at = NOW()`,
		userID, string(out)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetSyncCursor(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var cursor string
	err := s.db.QueryRowContext(ctx,
		"SELECT sync_cursor FROM calendar_state WHERE user_id = $1", userID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}

func (s *PostgresStore) SetSyncCursor(ctx context.Context, userID, cursor string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_state (user_id, sync_cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET sync_cursor = EXCLUDED.sync_cursor, updated_at = NOW()`,
		userID, cursor)
	return err
}

func (s *PostgresStore) GetCalendarList(ctx context.Context, userID string) (CalendarList, error) {
	if strings.TrimSpace(userID) == "" {
		return CalendarList{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return CalendarList{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT calendar_list FROM calendar_state WHERE user_id = $1", userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !payload.Valid) {
		return CalendarList{}, ErrNotFound
	}
	if err != nil {
		return CalendarList{}, err
	}
	var list CalendarList
	if err := json.Unmarshal([]byte(payload.String), &list); err != nil {
		return CalendarList{}, err
	}
	return list, nil
}

func (s *PostgresStore) SetCalendarList(ctx context.Context, userID string, list CalendarList) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_state (user_id, calendar_list, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET calendar_list = EXCLUDED.calendar_list, updated_at = NOW()`,
		userID, string(payload))
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, channelID string) (Subscription, error) {
	if strings.TrimSpace(channelID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Subscription{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, resource_id, expiration, last_sync_at, created_at
		FROM webhook_subscriptions WHERE channel_id = $1`, channelID))
}

func (s *PostgresStore) GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Subscription{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, resource_id, expiration, last_sync_at, created_at
		FROM webhook_subscriptions WHERE user_id = $1
		ORDER BY expiration DESC LIMIT 1`, userID))
}

func (s *PostgresStore) PutSubscription(ctx context.Context, sub Subscription) error {
	if strings.TrimSpace(sub.ChannelID) == "" || strings.TrimSpace(sub.UserID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var lastSync any
	if !sub.LastSyncAt.IsZero() {
		lastSync = sub.LastSyncAt
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (channel_id, user_id, resource_id, expiration, last_sync_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id)
		DO UPDATE SET user_id = EXCLUDED.user_id,
			resource_id = EXCLUDED.resource_id,
			expiration = EXCLUDED.expiration,
			last_sync_at = EXCLUDED.last_sync_at`,
		sub.ChannelID, sub.UserID, sub.ResourceID, sub.Expiration, lastSync, createdAt)
	return err
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_subscriptions WHERE channel_id = $1", channelID)
	return err
}

func (s *PostgresStore) ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, resource_id, expiration, last_sync_at, created_at
		FROM webhook_subscriptions WHERE expiration < $1
		ORDER BY expiration ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, scanErr := scanSubscriptionRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeSubscriptionsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_subscriptions WHERE expiration < $1", cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, userID string) (Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return Credential{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Credential{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var cred Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, access_token, refresh_token, scope, updated_at
		FROM user_credentials WHERE user_id = $1`, userID).
		Scan(&cred.UserID, &cred.Email, &cred.AccessToken, &cred.RefreshToken, &cred.Scope, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

func (s *PostgresStore) SaveCredential(ctx context.Context, cred Credential) error {
	if strings.TrimSpace(cred.UserID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, email, access_token, refresh_token, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id)
		DO UPDATE SET email = EXCLUDED.email,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at`,
		cred.UserID, cred.Email, cred.AccessToken, cred.RefreshToken, cred.Scope, updatedAt)
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	sub, err := scanSubscriptionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

func scanSubscriptionRow(row rowScanner) (Subscription, error) {
	var sub Subscription
	var lastSync sql.NullTime
	if err := row.Scan(&sub.ChannelID, &sub.UserID, &sub.ResourceID, &sub.Expiration, &lastSync, &sub.CreatedAt); err != nil {
		return Subscription{}, err
	}
	if lastSync.Valid {
		sub.LastSyncAt = lastSync.Time
	}
	return sub, nil
}
