package calsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-binary deployment backend. Same document layout
// as PostgresStore; timestamps are stored as RFC 3339 text.
type SQLiteStore struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path, openDB: sql.Open}, nil
}

func (s *SQLiteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		// SQLite serializes writers; a single connection avoids busy errors.
		db.SetMaxOpenConns(1)
		statements := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			`CREATE TABLE IF NOT EXISTS calendar_state (
				user_id TEXT PRIMARY KEY,
				events TEXT NOT NULL DEFAULT '[]',
				sync_cursor TEXT NOT NULL DEFAULT '',
				calendar_list TEXT,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
				channel_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				resource_id TEXT NOT NULL DEFAULT '',
				expiration TEXT NOT NULL,
				last_sync_at TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS webhook_subscriptions_user_idx
				ON webhook_subscriptions (user_id)`,
			`CREATE TABLE IF NOT EXISTS user_credentials (
				user_id TEXT PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				scope TEXT NOT NULL DEFAULT '',
				updated_at TEXT NOT NULL
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSQLiteTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) ListEvents(ctx context.Context, userID string) ([]EventRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT events FROM calendar_state WHERE user_id = ?", userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []EventRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	var events []EventRecord
	if err := json.Unmarshal([]byte(payload), &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = []EventRecord{}
	}
	return events, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, userID, eventID string) (EventRecord, error) {
	if strings.TrimSpace(eventID) == "" {
		return EventRecord{}, ErrInvalidInput
	}
	events, err := s.ListEvents(ctx, userID)
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

func (s *SQLiteStore) saveEvents(ctx context.Context, userID string, events []EventRecord) error {
	if events == nil {
		events = []EventRecord{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_state (user_id, events, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id)
		DO UPDATE SET events = excluded.events, updated_at = excluded.updated_at`,
		userID, string(payload), sqliteTime(time.Now()))
	return err
}

func (s *SQLiteStore) ReplaceEvents(ctx context.Context, userID string, events []EventRecord) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.saveEvents(ctx, userID, events)
}

func (s *SQLiteStore) UpsertEvent(ctx context.Context, userID string, event EventRecord) error {
	if err := event.Validate(); err != nil {
		return err
	}
	events, err := s.ListEvents(ctx, userID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range events {
		if existing.ID == event.ID {
			events[i] = event
			replaced = true
			break
		}
	}
	if !replaced {
		events = append(events, event)
	}
	return s.saveEvents(ctx, userID, events)
}

func (s *SQLiteStore) RemoveEvent(ctx context.Context, userID, eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	events, err := s.ListEvents(ctx, userID)
	if err != nil {
		return err
	}
	kept := events[:0]
	for _, event := range events {
		if event.ID != eventID {
			kept = append(kept, event)
		}
	}
	return s.saveEvents(ctx, userID, kept)
}

func (s *SQLiteStore) GetSyncCursor(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	var cursor string
	err := s.db.QueryRowContext(ctx,
		"SELECT sync_cursor FROM calendar_state WHERE user_id = ?", userID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}

func (s *SQLiteStore) SetSyncCursor(ctx context.Context, userID, cursor string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_state (user_id, sync_cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id)
		DO UPDATE SET sync_cursor = excluded.sync_cursor, updated_at = excluded.updated_at`,
		userID, cursor, sqliteTime(time.Now()))
	return err
}

func (s *SQLiteStore) GetCalendarList(ctx context.Context, userID string) (CalendarList, error) {
	if strings.TrimSpace(userID) == "" {
		return CalendarList{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return CalendarList{}, err
	}
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT calendar_list FROM calendar_state WHERE user_id = ?", userID).Scan(&payload)
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

func (s *SQLiteStore) SetCalendarList(ctx context.Context, userID string, list CalendarList) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_state (user_id, calendar_list, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id)
		DO UPDATE SET calendar_list = excluded.calendar_list, updated_at = excluded.updated_at`,
		userID, string(payload), sqliteTime(time.Now()))
	return err
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, channelID string) (Subscription, error) {
	if strings.TrimSpace(channelID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Subscription{}, err
	}
	return s.scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, resource_id, expiration, last_sync_at, created_at
		FROM webhook_subscriptions WHERE channel_id = ?`, channelID))
}

func (s *SQLiteStore) GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Subscription{}, err
	}
	return s.scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, resource_id, expiration, last_sync_at, created_at
		FROM webhook_subscriptions WHERE user_id = ?
		ORDER BY expiration DESC LIMIT 1`, userID))
}

func (s *SQLiteStore) PutSubscription(ctx context.Context, sub Subscription) error {
	if strings.TrimSpace(sub.ChannelID) == "" || strings.TrimSpace(sub.UserID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	var lastSync any
	if !sub.LastSyncAt.IsZero() {
		lastSync = sqliteTime(sub.LastSyncAt)
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (channel_id, user_id, resource_id, expiration, last_sync_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id)
		DO UPDATE SET user_id = excluded.user_id,
			resource_id = excluded.resource_id,
			expiration = excluded.expiration,
			last_sync_at = excluded.last_sync_at`,
		sub.ChannelID, sub.UserID, sub.ResourceID, sqliteTime(sub.Expiration), lastSync, sqliteTime(createdAt))
	return err
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_subscriptions WHERE channel_id = ?", channelID)
	return err
}

func (s *SQLiteStore) ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, user_id, resource_id, expiration, last_sync_at, created_at
		FROM webhook_subscriptions WHERE expiration < ?
		ORDER BY expiration ASC`, sqliteTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, scanErr := s.scanSubscriptionRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeSubscriptionsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_subscriptions WHERE expiration < ?", sqliteTime(cutoff))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, userID string) (Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return Credential{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Credential{}, err
	}
	var cred Credential
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, access_token, refresh_token, scope, updated_at
		FROM user_credentials WHERE user_id = ?`, userID).
		Scan(&cred.UserID, &cred.Email, &cred.AccessToken, &cred.RefreshToken, &cred.Scope, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	cred.UpdatedAt = parseSQLiteTime(updatedAt)
	return cred, nil
}

func (s *SQLiteStore) SaveCredential(ctx context.Context, cred Credential) error {
	if strings.TrimSpace(cred.UserID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, email, access_token, refresh_token, scope, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id)
		DO UPDATE SET email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		cred.UserID, cred.Email, cred.AccessToken, cred.RefreshToken, cred.Scope, sqliteTime(updatedAt))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) scanSubscription(row rowScanner) (Subscription, error) {
	sub, err := s.scanSubscriptionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *SQLiteStore) scanSubscriptionRow(row rowScanner) (Subscription, error) {
	var sub Subscription
	var expiration, createdAt string
	var lastSync sql.NullString
	if err := row.Scan(&sub.ChannelID, &sub.UserID, &sub.ResourceID, &expiration, &lastSync, &createdAt); err != nil {
		return Subscription{}, err
	}
	sub.Expiration = parseSQLiteTime(expiration)
	sub.CreatedAt = parseSQLiteTime(createdAt)
	if lastSync.Valid {
		sub.LastSyncAt = parseSQLiteTime(lastSync.String)
	}
	return sub, nil
}
