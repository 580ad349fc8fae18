package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sources and statuses reported back to API callers.
const (
	SourceCache           = "cache"
	SourceProvider        = "provider"
	SourceFullSync        = "full_sync"
	SourceIncrementalSync = "incremental_sync"

	EventFromCache   = "from_cache"
	EventNotModified = "not_modified"
	EventUpdated     = "updated"

	BulkStatusUpdated  = "updated"
	BulkStatusConflict = "conflict"
	BulkStatusFailed   = "failed"
)

// EventsResult is the answer to a get-events call: where the data came from,
// the items (delta or full snapshot), and the cursor now in effect.
type EventsResult struct {
	Source     string        `json:"source"`
	Items      []EventRecord `json:"items"`
	SyncCursor string        `json:"syncCursor,omitempty"`
}

type EventResult struct {
	Status string      `json:"status"`
	Event  EventRecord `json:"event"`
}

type BulkUpdateItem struct {
	EventID string         `json:"eventId"`
	Fields  map[string]any `json:"fields"`
}

type BulkUpdateResult struct {
	EventID string       `json:"eventId"`
	Status  string       `json:"status"`
	Error   string       `json:"error,omitempty"`
	Event   *EventRecord `json:"event,omitempty"`
}

type CoordinatorOptions struct {
	Store    Store
	Cache    Cache
	Provider Provider
	Guard    *TokenGuard
	Logger   *slog.Logger
}

// Coordinator orchestrates full and incremental synchronization between the
// cache, the store, and the remote provider. Reads consult the cache first
// and fall back to the store; only then is the provider called, through the
// token guard. There is no local locking: the provider's etag and cursor
// semantics are the only cross-request safeguards, and concurrent syncs for
// one user resolve last-write-wins at the store.
type Coordinator struct {
	store    Store
	cache    Cache
	provider Provider
	guard    *TokenGuard
	logger   *slog.Logger
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Provider == nil || opts.Guard == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    opts.Store,
		cache:    opts.Cache,
		provider: opts.Provider,
		guard:    opts.Guard,
		logger:   logger,
	}, nil
}

// cacheDo runs one cache operation fail-open: a cache failure is logged and
// degrades to a miss, it never reaches the caller.
func (c *Coordinator) cacheDo(op string, fn func() error) {
	if err := fn(); err != nil {
		c.logger.Warn("cache operation failed", "op", op, "error", err)
	}
}

func calendarIDFor(cred Credential) string {
	if strings.TrimSpace(cred.Email) != "" {
		return cred.Email
	}
	return "primary"
}

// GetEvents synchronizes the user's mirror. With no cursor on file (or with
// forceFullSync) the stored and cached event set is replaced wholesale; with
// a cursor, the provider's delta is merged item by item. wantFullSnapshot
// makes an incremental call return the post-merge set instead of the delta.
func (c *Coordinator) GetEvents(ctx context.Context, userID string, forceFullSync, wantFullSnapshot bool) (EventsResult, error) {
	if strings.TrimSpace(userID) == "" {
		return EventsResult{}, ErrInvalidInput
	}
	if !forceFullSync && wantFullSnapshot {
		var cached []EventRecord
		hit := false
		c.cacheDo("get_user_events", func() error {
			events, ok, err := c.cache.GetUserEvents(ctx, userID)
			if err != nil {
				return err
			}
			cached, hit = events, ok
			return nil
		})
		if hit {
			return EventsResult{Source: SourceCache, Items: cached}, nil
		}
	}
	cursor := ""
	if !forceFullSync {
		cursor = c.resolveCursor(ctx, userID)
	}
	return c.syncOnce(ctx, userID, cursor, wantFullSnapshot, true)
}

// resolveCursor looks the sync cursor up cache-first, then store. Absence is
// not an error; it simply forces a full sync.
func (c *Coordinator) resolveCursor(ctx context.Context, userID string) string {
	cursor := ""
	hit := false
	c.cacheDo("get_sync_cursor", func() error {
		value, ok, err := c.cache.GetSyncCursor(ctx, userID)
		if err != nil {
			return err
		}
		cursor, hit = value, ok
		return nil
	})
	if hit {
		return cursor
	}
	stored, err := c.store.GetSyncCursor(ctx, userID)
	if err != nil {
		c.logger.Warn("failed to load sync cursor from store", "user", userID, "error", err)
		return ""
	}
	return stored
}

func (c *Coordinator) syncOnce(ctx context.Context, userID, cursor string, wantFullSnapshot, allowResync bool) (EventsResult, error) {
	var page EventPage
	err := c.guard.Do(ctx, userID, func(ctx context.Context, cred Credential) error {
		fetched, listErr := c.provider.ListChanges(ctx, cred.AccessToken, calendarIDFor(cred), cursor)
		if listErr != nil {
			return listErr
		}
		page = fetched
		return nil
	})
	if err != nil {
		// Cursor invalidation must be recognized ahead of any generic
		// failure handling: a rejected cursor is recoverable, once, by
		// discarding it and resyncing from scratch.
		if errors.Is(err, ErrCursorInvalid) && cursor != "" && allowResync {
			c.logger.Info("sync cursor rejected by provider, forcing full resync", "user", userID)
			return c.syncOnce(ctx, userID, "", wantFullSnapshot, false)
		}
		return EventsResult{}, err
	}

	if page.NextSyncToken != "" {
		if err := c.store.SetSyncCursor(ctx, userID, page.NextSyncToken); err != nil {
			return EventsResult{}, err
		}
		c.cacheDo("set_sync_cursor", func() error {
			return c.cache.SetSyncCursor(ctx, userID, page.NextSyncToken)
		})
	}

	if cursor == "" {
		if err := c.store.ReplaceEvents(ctx, userID, page.Items); err != nil {
			return EventsResult{}, err
		}
		c.cacheDo("set_user_events", func() error {
			return c.cache.SetUserEvents(ctx, userID, page.Items)
		})
		return EventsResult{Source: SourceFullSync, Items: page.Items, SyncCursor: page.NextSyncToken}, nil
	}

	for _, item := range page.Items {
		if item.Cancelled() {
			if err := c.store.RemoveEvent(ctx, userID, item.ID); err != nil {
				return EventsResult{}, err
			}
			c.cacheDo("remove_event", func() error {
				return c.cache.RemoveEvent(ctx, userID, item.ID)
			})
			continue
		}
		if err := c.store.UpsertEvent(ctx, userID, item); err != nil {
			return EventsResult{}, err
		}
		item := item
		c.cacheDo("update_event", func() error {
			return c.cache.UpdateEvent(ctx, userID, item)
		})
	}

	if wantFullSnapshot {
		merged, err := c.store.ListEvents(ctx, userID)
		if err != nil {
			return EventsResult{}, err
		}
		c.cacheDo("set_user_events", func() error {
			return c.cache.SetUserEvents(ctx, userID, merged)
		})
		return EventsResult{Source: SourceIncrementalSync, Items: merged, SyncCursor: page.NextSyncToken}, nil
	}
	return EventsResult{Source: SourceIncrementalSync, Items: page.Items, SyncCursor: page.NextSyncToken}, nil
}

// GetEvent serves one event: cache hit, else a conditional fetch against the
// stored etag. Not-modified answers re-cache and return the stored copy.
func (c *Coordinator) GetEvent(ctx context.Context, userID, eventID string) (EventResult, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return EventResult{}, ErrInvalidInput
	}
	var cached EventRecord
	hit := false
	c.cacheDo("get_event", func() error {
		event, ok, err := c.cache.GetEvent(ctx, userID, eventID)
		if err != nil {
			return err
		}
		cached, hit = event, ok
		return nil
	})
	if hit {
		return EventResult{Status: EventFromCache, Event: cached}, nil
	}

	stored, err := c.store.GetEvent(ctx, userID, eventID)
	if err != nil {
		return EventResult{}, err
	}

	var fresh EventRecord
	notModified := false
	err = c.guard.Do(ctx, userID, func(ctx context.Context, cred Credential) error {
		fetched, unchanged, getErr := c.provider.GetEvent(ctx, cred.AccessToken, calendarIDFor(cred), eventID, stored.Etag)
		if getErr != nil {
			return getErr
		}
		fresh, notModified = fetched, unchanged
		return nil
	})
	if err != nil {
		return EventResult{}, err
	}

	if notModified {
		c.cacheDo("set_event", func() error {
			return c.cache.SetEvent(ctx, userID, stored)
		})
		return EventResult{Status: EventNotModified, Event: stored}, nil
	}

	if err := c.store.UpsertEvent(ctx, userID, fresh); err != nil {
		return EventResult{}, err
	}
	c.cacheDo("update_event", func() error {
		return c.cache.UpdateEvent(ctx, userID, fresh)
	})
	return EventResult{Status: EventUpdated, Event: fresh}, nil
}

// UpdateEvent applies a partial update guarded by the stored etag. A
// conflict is surfaced to the caller to re-fetch and retry; it is never
// resolved automatically.
func (c *Coordinator) UpdateEvent(ctx context.Context, userID, eventID string, fields map[string]any) (EventRecord, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eventID) == "" {
		return EventRecord{}, ErrInvalidInput
	}
	fields = prunedFields(fields)
	if len(fields) == 0 {
		return EventRecord{}, fmt.Errorf("%w: at least one non-empty field is required", ErrInvalidInput)
	}

	stored, err := c.store.GetEvent(ctx, userID, eventID)
	if err != nil {
		return EventRecord{}, err
	}

	var updated EventRecord
	err = c.guard.Do(ctx, userID, func(ctx context.Context, cred Credential) error {
		patched, patchErr := c.provider.PatchEvent(ctx, cred.AccessToken, calendarIDFor(cred), eventID, stored.Etag, fields)
		if patchErr != nil {
			return patchErr
		}
		updated = patched
		return nil
	})
	if err != nil {
		return EventRecord{}, err
	}

	if err := c.store.UpsertEvent(ctx, userID, updated); err != nil {
		return EventRecord{}, err
	}
	c.cacheDo("update_event", func() error {
		return c.cache.UpdateEvent(ctx, userID, updated)
	})
	return updated, nil
}

// BulkUpdateEvents applies UpdateEvent per item and collects per-item
// outcomes; one failure never aborts the batch.
func (c *Coordinator) BulkUpdateEvents(ctx context.Context, userID string, items []BulkUpdateItem) []BulkUpdateResult {
	results := make([]BulkUpdateResult, 0, len(items))
	for _, item := range items {
		updated, err := c.UpdateEvent(ctx, userID, item.EventID, item.Fields)
		switch {
		case err == nil:
			event := updated
			results = append(results, BulkUpdateResult{
				EventID: item.EventID,
				Status:  BulkStatusUpdated,
				Event:   &event,
			})
		case errors.Is(err, ErrPreconditionFailed):
			results = append(results, BulkUpdateResult{
				EventID: item.EventID,
				Status:  BulkStatusConflict,
				Error:   err.Error(),
			})
		default:
			results = append(results, BulkUpdateResult{
				EventID: item.EventID,
				Status:  BulkStatusFailed,
				Error:   err.Error(),
			})
		}
	}
	return results
}

// ListCalendars serves the user's calendar list cache-first, refreshing
// store and cache from the provider on a miss.
func (c *Coordinator) ListCalendars(ctx context.Context, userID string) (CalendarList, string, error) {
	if strings.TrimSpace(userID) == "" {
		return CalendarList{}, "", ErrInvalidInput
	}
	var cached CalendarList
	hit := false
	c.cacheDo("get_calendar_list", func() error {
		list, ok, err := c.cache.GetCalendarList(ctx, userID)
		if err != nil {
			return err
		}
		cached, hit = list, ok
		return nil
	})
	if hit {
		return cached, SourceCache, nil
	}

	var list CalendarList
	err := c.guard.Do(ctx, userID, func(ctx context.Context, cred Credential) error {
		fetched, listErr := c.provider.ListCalendars(ctx, cred.AccessToken)
		if listErr != nil {
			return listErr
		}
		list = fetched
		return nil
	})
	if err != nil {
		return CalendarList{}, "", err
	}
	if err := c.store.SetCalendarList(ctx, userID, list); err != nil {
		return CalendarList{}, "", err
	}
	c.cacheDo("set_calendar_list", func() error {
		return c.cache.SetCalendarList(ctx, userID, list)
	})
	return list, SourceProvider, nil
}

// SyncForNotification is the webhook-driven path: run one incremental sync,
// then drop the user's cache so the next read rebuilds from the merged
// store. Replaying the same notification converges to the same state.
func (c *Coordinator) SyncForNotification(ctx context.Context, userID string) error {
	if _, err := c.GetEvents(ctx, userID, false, false); err != nil {
		return err
	}
	c.cacheDo("invalidate_user", func() error {
		return c.cache.InvalidateUser(ctx, userID)
	})
	return nil
}

// CacheStats reports the cache's view of one user; a cache failure degrades
// to empty stats rather than an error.
func (c *Coordinator) CacheStats(ctx context.Context, userID string) CacheStats {
	stats := CacheStats{TTLRemaining: map[string]int64{}}
	c.cacheDo("stats", func() error {
		fetched, err := c.cache.Stats(ctx, userID)
		if err != nil {
			return err
		}
		stats = fetched
		return nil
	})
	return stats
}

func (c *Coordinator) ClearUserCache(ctx context.Context, userID string) {
	c.cacheDo("invalidate_user", func() error {
		return c.cache.InvalidateUser(ctx, userID)
	})
}

// prunedFields drops entries whose values are empty, so "at least one
// non-empty field" can be enforced uniformly.
func prunedFields(fields map[string]any) map[string]any {
	pruned := make(map[string]any, len(fields))
	for key, value := range fields {
		if strings.TrimSpace(key) == "" || value == nil {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		pruned[key] = value
	}
	return pruned
}
