package calsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const DefaultCacheTTL = 6 * time.Minute

// Cache key namespaces, one per data kind, scoped by user.
const (
	cachePrefixEvents    = "calendar:events:"
	cachePrefixEvent     = "calendar:event:"
	cachePrefixCursor    = "calendar:sync_cursor:"
	cachePrefixCalendars = "calendar:calendars:"
)

// CacheStats reports what is currently cached for one user.
type CacheStats struct {
	UserEventsCached   bool             `json:"userEventsCached"`
	SyncCursorCached   bool             `json:"syncCursorCached"`
	CalendarListCached bool             `json:"calendarListCached"`
	IndividualEvents   int              `json:"individualEventsCount"`
	TTLRemaining       map[string]int64 `json:"cacheTtlRemainingSeconds"`
}

// Cache is the TTL-bound mirror of store reads. It is never required for
// correctness: every method may fail and the caller degrades to the store.
// All entries share one fixed TTL, reset on every write.
type Cache interface {
	GetUserEvents(ctx context.Context, userID string) ([]EventRecord, bool, error)
	SetUserEvents(ctx context.Context, userID string, events []EventRecord) error
	GetEvent(ctx context.Context, userID, eventID string) (EventRecord, bool, error)
	SetEvent(ctx context.Context, userID string, event EventRecord) error
	UpdateEvent(ctx context.Context, userID string, event EventRecord) error
	RemoveEvent(ctx context.Context, userID, eventID string) error
	GetSyncCursor(ctx context.Context, userID string) (string, bool, error)
	SetSyncCursor(ctx context.Context, userID, cursor string) error
	GetCalendarList(ctx context.Context, userID string) (CalendarList, bool, error)
	SetCalendarList(ctx context.Context, userID string, list CalendarList) error
	InvalidateUser(ctx context.Context, userID string) error
	Stats(ctx context.Context, userID string) (CacheStats, error)
}

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache with the same key layout the
// deployment would use against a shared cache: serialized values, prefix
// namespaces, pattern-scan invalidation.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]cacheEntry{},
	}
}

func (c *MemoryCache) getLocked(key string) ([]byte, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.After(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.payload, true
}

func (c *MemoryCache) setLocked(key string, payload []byte) {
	c.entries[key] = cacheEntry{
		payload:   payload,
		expiresAt: c.now().Add(c.ttl),
	}
}

func (c *MemoryCache) GetUserEvents(ctx context.Context, userID string) ([]EventRecord, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, false, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.getLocked(cachePrefixEvents + userID)
	if !ok {
		return nil, false, nil
	}
	var events []EventRecord
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, false, err
	}
	return events, true, nil
}

// SetUserEvents caches the full list and fans each contained event out to
// its own key, so single-event reads never deserialize the whole list.
func (c *MemoryCache) SetUserEvents(ctx context.Context, userID string, events []EventRecord) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	if events == nil {
		events = []EventRecord{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(cachePrefixEvents+userID, payload)
	for _, event := range events {
		if event.ID == "" {
			continue
		}
		single, err := json.Marshal(event)
		if err != nil {
			continue
		}
		c.setLocked(cachePrefixEvent+userID+":"+event.ID, single)
	}
	return nil
}

func (c *MemoryCache) GetEvent(ctx context.Context, userID, eventID string) (EventRecord, bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return EventRecord{}, false, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.getLocked(cachePrefixEvent + userID + ":" + eventID)
	if !ok {
		return EventRecord{}, false, nil
	}
	var event EventRecord
	if err := json.Unmarshal(payload, &event); err != nil {
		return EventRecord{}, false, err
	}
	return event, true, nil
}

func (c *MemoryCache) SetEvent(ctx context.Context, userID string, event EventRecord) error {
	if strings.TrimSpace(userID) == "" || event.ID == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(cachePrefixEvent+userID+":"+event.ID, payload)
	return nil
}

// UpdateEvent writes the per-event key and patches the cached list in place
// when present, appending if the event is not in it.
func (c *MemoryCache) UpdateEvent(ctx context.Context, userID string, event EventRecord) error {
	if err := c.SetEvent(ctx, userID, event); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.getLocked(cachePrefixEvents + userID)
	if !ok {
		return nil
	}
	var events []EventRecord
	if err := json.Unmarshal(payload, &events); err != nil {
		return err
	}
	patched := false
	for i, existing := range events {
		if existing.ID == event.ID {
			events[i] = event
			patched = true
			break
		}
	}
	if !patched {
		events = append(events, event)
	}
	updated, err := json.Marshal(events)
	if err != nil {
		return err
	}
	c.setLocked(cachePrefixEvents+userID, updated)
	return nil
}

// RemoveEvent deletes the per-event key and filters the event out of the
// cached list when present.
func (c *MemoryCache) RemoveEvent(ctx context.Context, userID, eventID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cachePrefixEvent+userID+":"+eventID)
	payload, ok := c.getLocked(cachePrefixEvents + userID)
	if !ok {
		return nil
	}
	var events []EventRecord
	if err := json.Unmarshal(payload, &events); err != nil {
		return err
	}
	kept := events[:0]
	for _, event := range events {
		if event.ID != eventID {
			kept = append(kept, event)
		}
	}
	updated, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	c.setLocked(cachePrefixEvents+userID, updated)
	return nil
}

func (c *MemoryCache) GetSyncCursor(ctx context.Context, userID string) (string, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return "", false, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.getLocked(cachePrefixCursor + userID)
	if !ok {
		return "", false, nil
	}
	return string(payload), true, nil
}

func (c *MemoryCache) SetSyncCursor(ctx context.Context, userID, cursor string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(cachePrefixCursor+userID, []byte(cursor))
	return nil
}

func (c *MemoryCache) GetCalendarList(ctx context.Context, userID string) (CalendarList, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return CalendarList{}, false, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.getLocked(cachePrefixCalendars + userID)
	if !ok {
		return CalendarList{}, false, nil
	}
	var list CalendarList
	if err := json.Unmarshal(payload, &list); err != nil {
		return CalendarList{}, false, err
	}
	return list, true, nil
}

func (c *MemoryCache) SetCalendarList(ctx context.Context, userID string, list CalendarList) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(cachePrefixCalendars+userID, payload)
	return nil
}

// InvalidateUser deletes every key under the user's namespaces via prefix
// scan. Used after bulk provider-driven changes and the explicit
// cache-clear endpoint.
func (c *MemoryCache) InvalidateUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Scalar keys match exactly so "bob" cannot sweep "bobby"'s entries;
	// only the per-event namespace is colon-terminated and prefix-scanned.
	delete(c.entries, cachePrefixEvents+userID)
	delete(c.entries, cachePrefixCursor+userID)
	delete(c.entries, cachePrefixCalendars+userID)
	eventPrefix := cachePrefixEvent + userID + ":"
	for key := range c.entries {
		if strings.HasPrefix(key, eventPrefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *MemoryCache) Stats(ctx context.Context, userID string) (CacheStats, error) {
	if strings.TrimSpace(userID) == "" {
		return CacheStats{}, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	stats := CacheStats{TTLRemaining: map[string]int64{}}

	if entry, ok := c.entries[cachePrefixEvents+userID]; ok && entry.expiresAt.After(now) {
		stats.UserEventsCached = true
		stats.TTLRemaining["events"] = int64(entry.expiresAt.Sub(now).Seconds())
	}
	if entry, ok := c.entries[cachePrefixCursor+userID]; ok && entry.expiresAt.After(now) {
		stats.SyncCursorCached = true
		stats.TTLRemaining["sync_cursor"] = int64(entry.expiresAt.Sub(now).Seconds())
	}
	if entry, ok := c.entries[cachePrefixCalendars+userID]; ok && entry.expiresAt.After(now) {
		stats.CalendarListCached = true
		stats.TTLRemaining["calendars"] = int64(entry.expiresAt.Sub(now).Seconds())
	}
	prefix := cachePrefixEvent + userID + ":"
	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) && entry.expiresAt.After(now) {
			stats.IndividualEvents++
		}
	}
	return stats, nil
}
