package calsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreEventRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.ReplaceEvents(ctx, "user_1", []EventRecord{
		{ID: "ev_1", Etag: "a", Summary: "standup"},
		{ID: "ev_2", Etag: "b", Summary: "review"},
	}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	event, err := store.GetEvent(ctx, "user_1", "ev_2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if event.Summary != "review" {
		t.Fatalf("expected summary review, got %q", event.Summary)
	}

	if err := store.UpsertEvent(ctx, "user_1", EventRecord{ID: "ev_2", Etag: "b2", Summary: "rescheduled"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	event, err = store.GetEvent(ctx, "user_1", "ev_2")
	if err != nil || event.Etag != "b2" {
		t.Fatalf("expected upserted etag b2, got %+v err=%v", event, err)
	}

	if err := store.RemoveEvent(ctx, "user_1", "ev_1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := store.GetEvent(ctx, "user_1", "ev_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}

	events, err := store.ListEvents(ctx, "user_1")
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 event, got %d err=%v", len(events), err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := []EventRecord{{ID: "ev_1", Attendees: []Attendee{{Email: "a@example.com"}}}}
	if err := store.ReplaceEvents(ctx, "user_1", seed); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	seed[0].Attendees[0].Email = "mutated@example.com"

	event, err := store.GetEvent(ctx, "user_1", "ev_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if event.Attendees[0].Email != "a@example.com" {
		t.Fatalf("stored event aliased caller slice: %+v", event.Attendees)
	}
	event.Attendees[0].Email = "again@example.com"
	reread, _ := store.GetEvent(ctx, "user_1", "ev_1")
	if reread.Attendees[0].Email != "a@example.com" {
		t.Fatalf("returned event aliased stored slice: %+v", reread.Attendees)
	}
}

func TestMemoryStoreSyncCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	cursor, err := store.GetSyncCursor(ctx, "user_1")
	if err != nil || cursor != "" {
		t.Fatalf("expected empty cursor for new user, got %q err=%v", cursor, err)
	}
	if err := store.SetSyncCursor(ctx, "user_1", "tok_1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	cursor, err = store.GetSyncCursor(ctx, "user_1")
	if err != nil || cursor != "tok_1" {
		t.Fatalf("expected tok_1, got %q err=%v", cursor, err)
	}
}

func TestMemoryStoreSubscriptionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expired := Subscription{ChannelID: "ch_old", UserID: "user_1", Expiration: now.Add(-time.Hour)}
	expiring := Subscription{ChannelID: "ch_soon", UserID: "user_2", Expiration: now.Add(12 * time.Hour)}
	healthy := Subscription{ChannelID: "ch_ok", UserID: "user_3", Expiration: now.Add(72 * time.Hour)}
	for _, sub := range []Subscription{expired, expiring, healthy} {
		if err := store.PutSubscription(ctx, sub); err != nil {
			t.Fatalf("put %s failed: %v", sub.ChannelID, err)
		}
	}

	got, err := store.GetSubscription(ctx, "ch_soon")
	if err != nil || got.UserID != "user_2" {
		t.Fatalf("get by channel failed: %+v err=%v", got, err)
	}
	got, err = store.GetSubscriptionByUser(ctx, "user_3")
	if err != nil || got.ChannelID != "ch_ok" {
		t.Fatalf("get by user failed: %+v err=%v", got, err)
	}
	if _, err := store.GetSubscriptionByUser(ctx, "user_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	purged, err := store.PurgeSubscriptionsExpiredBefore(ctx, now)
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged, got %d err=%v", purged, err)
	}
	if _, err := store.GetSubscription(ctx, "ch_old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired channel gone, got %v", err)
	}

	soon, err := store.ListSubscriptionsExpiringBefore(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list expiring failed: %v", err)
	}
	if len(soon) != 1 || soon[0].ChannelID != "ch_soon" {
		t.Fatalf("expected only ch_soon expiring, got %+v", soon)
	}

	if err := store.DeleteSubscription(ctx, "ch_soon"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetSubscription(ctx, "ch_soon"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted channel gone, got %v", err)
	}
}

func TestMemoryStoreCredentials(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetCredential(ctx, "user_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing credential, got %v", err)
	}
	cred := Credential{UserID: "user_1", Email: "u@example.com", AccessToken: "at", RefreshToken: "rt"}
	if err := store.SaveCredential(ctx, cred); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := store.GetCredential(ctx, "user_1")
	if err != nil || loaded.AccessToken != "at" {
		t.Fatalf("expected stored credential, got %+v err=%v", loaded, err)
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected MemoryStore, got %T", store)
	}

	if _, err := BuildStoreFromDSN("mongodb://localhost/cal"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mongodb, got %v", err)
	}
	if _, err := BuildStoreFromDSN("ftp://nope"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := BuildStoreFromDSN("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank dsn, got %v", err)
	}
}
