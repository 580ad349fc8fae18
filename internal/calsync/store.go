package calsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Credential is the per-user provider credential. It is owned by the OAuth
// collaborator; the subsystem reads it to call the provider and writes it
// back after a refresh.
type Credential struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Scope        string    `json:"scope,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Subscription is one push-notification channel registered with the
// provider.
type Subscription struct {
	ChannelID  string    `json:"channelId"`
	UserID     string    `json:"userId"`
	ResourceID string    `json:"resourceId"`
	Expiration time.Time `json:"expiration"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s Subscription) Expired(now time.Time) bool {
	return !s.Expiration.After(now)
}

// Store is the durable source of truth: per-user event mirror plus sync
// cursor, push subscriptions keyed by channel id, and provider credentials.
// The cache may be stale or empty at any time; the store may not.
type Store interface {
	ListEvents(ctx context.Context, userID string) ([]EventRecord, error)
	GetEvent(ctx context.Context, userID, eventID string) (EventRecord, error)
	ReplaceEvents(ctx context.Context, userID string, events []EventRecord) error
	UpsertEvent(ctx context.Context, userID string, event EventRecord) error
	RemoveEvent(ctx context.Context, userID, eventID string) error

	GetSyncCursor(ctx context.Context, userID string) (string, error)
	SetSyncCursor(ctx context.Context, userID, cursor string) error

	GetCalendarList(ctx context.Context, userID string) (CalendarList, error)
	SetCalendarList(ctx context.Context, userID string, list CalendarList) error

	GetSubscription(ctx context.Context, channelID string) (Subscription, error)
	GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, error)
	PutSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, channelID string) error
	ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error)
	PurgeSubscriptionsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)

	GetCredential(ctx context.Context, userID string) (Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error

	Close() error
}

// BuildStoreFromDSN selects a store implementation from a DSN scheme:
// memory://, postgres://..., or sqlite://path (a bare path also means
// sqlite for single-binary deploys).
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "", "sqlite", "file":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Opaque)
		}
		if path == "" {
			path = strings.TrimSpace(parsed.Host)
		}
		if scheme == "" {
			path = dsn
		}
		if path == "" {
			return nil, ErrInvalidInput
		}
		return NewSQLiteStore(path)
	case "mongodb", "mysql":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

type memoryUserState struct {
	events       []EventRecord
	cursor       string
	calendarList *CalendarList
}

// MemoryStore keeps all state in process. It backs tests and the memory://
// profile; copies go in and out so callers never alias stored slices.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]*memoryUserState
	subscriptions map[string]Subscription
	credentials   map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         map[string]*memoryUserState{},
		subscriptions: map[string]Subscription{},
		credentials:   map[string]Credential{},
	}
}

func (s *MemoryStore) userLocked(userID string) *memoryUserState {
	state, ok := s.users[userID]
	if !ok {
		state = &memoryUserState{}
		s.users[userID] = state
	}
	return state
}

func (s *MemoryStore) ListEvents(ctx context.Context, userID string) ([]EventRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok {
		return []EventRecord{}, nil
	}
	out := make([]EventRecord, 0, len(state.events))
	for _, event := range state.events {
		out = append(out, event.Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, userID, eventID string) (EventRecord, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return EventRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok {
		return EventRecord{}, ErrNotFound
	}
	for _, event := range state.events {
		if event.ID == eventID {
			return event.Clone(), nil
		}
	}
	return EventRecord{}, ErrNotFound
}

func (s *MemoryStore) ReplaceEvents(ctx context.Context, userID string, events []EventRecord) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.userLocked(userID)
	state.events = make([]EventRecord, 0, len(events))
	for _, event := range events {
		state.events = append(state.events, event.Clone())
	}
	return nil
}

func (s *MemoryStore) UpsertEvent(ctx context.Context, userID string, event EventRecord) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.userLocked(userID)
	for i, existing := range state.events {
		if existing.ID == event.ID {
			state.events[i] = event.Clone()
			return nil
		}
	}
	state.events = append(state.events, event.Clone())
	return nil
}

func (s *MemoryStore) RemoveEvent(ctx context.Context, userID, eventID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok {
		return nil
	}
	kept := state.events[:0]
	for _, event := range state.events {
		if event.ID != eventID {
			kept = append(kept, event)
		}
	}
	state.events = kept
	return nil
}

func (s *MemoryStore) GetSyncCursor(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok {
		return "", nil
	}
	return state.cursor, nil
}

func (s *MemoryStore) SetSyncCursor(ctx context.Context, userID, cursor string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userLocked(userID).cursor = cursor
	return nil
}

func (s *MemoryStore) GetCalendarList(ctx context.Context, userID string) (CalendarList, error) {
	if strings.TrimSpace(userID) == "" {
		return CalendarList{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.users[userID]
	if !ok || state.calendarList == nil {
		return CalendarList{}, ErrNotFound
	}
	return cloneCalendarList(*state.calendarList), nil
}

func (s *MemoryStore) SetCalendarList(ctx context.Context, userID string, list CalendarList) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneCalendarList(list)
	s.userLocked(userID).calendarList = &clone
	return nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, channelID string) (Subscription, error) {
	if strings.TrimSpace(channelID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[channelID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemoryStore) GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found Subscription
	ok := false
	for _, sub := range s.subscriptions {
		if sub.UserID != userID {
			continue
		}
		if !ok || sub.Expiration.After(found.Expiration) {
			found = sub
			ok = true
		}
	}
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) PutSubscription(ctx context.Context, sub Subscription) error {
	if strings.TrimSpace(sub.ChannelID) == "" || strings.TrimSpace(sub.UserID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ChannelID] = sub
	return nil
}

func (s *MemoryStore) DeleteSubscription(ctx context.Context, channelID string) error {
	if strings.TrimSpace(channelID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, channelID)
	return nil
}

func (s *MemoryStore) ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, sub := range s.subscriptions {
		if sub.Expiration.Before(cutoff) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeSubscriptionsExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for channelID, sub := range s.subscriptions {
		if sub.Expiration.Before(cutoff) {
			delete(s.subscriptions, channelID)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, userID string) (Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return Credential{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[userID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *MemoryStore) SaveCredential(ctx context.Context, cred Credential) error {
	if strings.TrimSpace(cred.UserID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.UserID] = cred
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneCalendarList(list CalendarList) CalendarList {
	if list.Items == nil {
		return CalendarList{}
	}
	clone := CalendarList{Items: make([]json.RawMessage, 0, len(list.Items))}
	for _, item := range list.Items {
		clone.Items = append(clone.Items, append(json.RawMessage(nil), item...))
	}
	return clone
}
