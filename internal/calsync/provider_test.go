package calsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(handler http.HandlerFunc) (*GoogleClient, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewGoogleClient(GoogleClientOptions{BaseURL: server.URL})
	return client, server
}

func TestListChangesFollowsPagination(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("syncToken") != "tok_0" {
			t.Errorf("expected syncToken tok_0, got %q", r.URL.Query().Get("syncToken"))
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("pageToken") {
		case "":
			fmt.Fprint(w, `{"items":[{"id":"ev_1"}],"nextPageToken":"page_2"}`)
		case "page_2":
			fmt.Fprint(w, `{"items":[{"id":"ev_2"}],"nextSyncToken":"tok_1"}`)
		default:
			t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
		}
	})
	defer server.Close()

	page, err := client.ListChanges(context.Background(), "token", "primary", "tok_0")
	if err != nil {
		t.Fatalf("list changes failed: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ev_1" || page.Items[1].ID != "ev_2" {
		t.Fatalf("expected merged pages, got %+v", page.Items)
	}
	if page.NextSyncToken != "tok_1" {
		t.Fatalf("expected cursor tok_1, got %q", page.NextSyncToken)
	}
}

func TestListChangesRejectedCursorIsCursorInvalid(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":410,"message":"Sync token is no longer valid"}}`, http.StatusGone)
	})
	defer server.Close()

	_, err := client.ListChanges(context.Background(), "token", "primary", "stale")
	if !errors.Is(err, ErrCursorInvalid) {
		t.Fatalf("expected ErrCursorInvalid for 410, got %v", err)
	}
	// 410 must not be swallowed by the generic provider-error path.
	var provider *ProviderError
	if errors.As(err, &provider) {
		t.Fatalf("410 classified as generic ProviderError: %v", err)
	}
}

func TestGetEventSendsIfNoneMatchAndHandles304(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("If-None-Match"); got != `"etag_1"` {
			t.Errorf("expected If-None-Match \"etag_1\", got %q", got)
		}
		w.WriteHeader(http.StatusNotModified)
	})
	defer server.Close()

	_, notModified, err := client.GetEvent(context.Background(), "token", "primary", "ev_1", `"etag_1"`)
	if err != nil {
		t.Fatalf("conditional get failed: %v", err)
	}
	if !notModified {
		t.Fatalf("expected notModified for 304 response")
	}
}

func TestGetEventReturnsFreshBody(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"ev_1","etag":"\"etag_2\"","summary":"moved"}`)
	})
	defer server.Close()

	event, notModified, err := client.GetEvent(context.Background(), "token", "primary", "ev_1", `"etag_1"`)
	if err != nil || notModified {
		t.Fatalf("expected fresh event, got notModified=%v err=%v", notModified, err)
	}
	if event.Etag != `"etag_2"` || event.Summary != "moved" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestPatchEventSendsIfMatchAndSurfacesConflict(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		if got := r.Header.Get("If-Match"); got != `"etag_1"` {
			t.Errorf("expected If-Match \"etag_1\", got %q", got)
		}
		http.Error(w, `{"error":{"code":412}}`, http.StatusPreconditionFailed)
	})
	defer server.Close()

	_, err := client.PatchEvent(context.Background(), "token", "primary", "ev_1", `"etag_1"`, map[string]any{"summary": "new"})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for 412, got %v", err)
	}
	if conflict.EventID != "ev_1" || conflict.StoredEtag != `"etag_1"` {
		t.Fatalf("conflict missing context: %+v", conflict)
	}
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ConflictError to match ErrPreconditionFailed")
	}
}

func TestDoJSONStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var authErr *AuthError
			if !errors.As(err, &authErr) || authErr.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected AuthError(401), got %v", err)
			}
			if !errors.Is(err, ErrAuthExpired) {
				t.Fatalf("expected AuthError to match ErrAuthExpired")
			}
		}},
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		}},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			var provider *ProviderError
			if !errors.As(err, &provider) || provider.StatusCode != http.StatusBadGateway {
				t.Fatalf("expected ProviderError(502), got %v", err)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.status)
			})
			defer server.Close()
			_, err := client.ListCalendars(context.Background(), "token")
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			tc.check(t, err)
		})
	}
}

func TestWatchParsesEpochMillisExpiration(t *testing.T) {
	expiration := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events/watch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"ch_1","resourceId":"res_1","expiration":"%d"}`, expiration.UnixMilli())
	})
	defer server.Close()

	result, err := client.Watch(context.Background(), "token", "primary", "ch_1", "https://example.com/hook", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if result.ChannelID != "ch_1" || result.ResourceID != "res_1" {
		t.Fatalf("unexpected watch result: %+v", result)
	}
	if !result.Expiration.Equal(expiration) {
		t.Fatalf("expected expiration %v, got %v", expiration, result.Expiration)
	}
}

func TestStopChannelPostsChannelAndResource(t *testing.T) {
	var gotPath string
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	defer server.Close()

	if err := client.StopChannel(context.Background(), "token", "ch_1", "res_1"); err != nil {
		t.Fatalf("stop channel failed: %v", err)
	}
	if gotPath != "/channels/stop" {
		t.Fatalf("expected /channels/stop, got %s", gotPath)
	}
}
