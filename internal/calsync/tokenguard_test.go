package calsync

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/oauth2"
)

type fakeRefresher struct {
	calls    int
	token    *oauth2.Token
	err      error
	lastSeen string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls++
	f.lastSeen = refreshToken
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func seedCredential(t *testing.T, store Store) {
	t.Helper()
	err := store.SaveCredential(context.Background(), Credential{
		UserID:       "user_1",
		AccessToken:  "stale_access",
		RefreshToken: "refresh_1",
	})
	if err != nil {
		t.Fatalf("seed credential failed: %v", err)
	}
}

func TestTokenGuardPassesThroughSuccess(t *testing.T) {
	store := NewMemoryStore()
	seedCredential(t, store)
	refresher := &fakeRefresher{}
	guard := NewTokenGuard(store, refresher, nil)

	calls := 0
	err := guard.Do(context.Background(), "user_1", func(ctx context.Context, cred Credential) error {
		calls++
		if cred.AccessToken != "stale_access" {
			t.Errorf("expected stored access token, got %q", cred.AccessToken)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("guard failed: %v", err)
	}
	if calls != 1 || refresher.calls != 0 {
		t.Fatalf("expected 1 call and no refresh, got calls=%d refreshes=%d", calls, refresher.calls)
	}
}

func TestTokenGuardRefreshesOnceAndReplays(t *testing.T) {
	store := NewMemoryStore()
	seedCredential(t, store)
	refresher := &fakeRefresher{token: &oauth2.Token{AccessToken: "fresh_access", RefreshToken: "refresh_2"}}
	guard := NewTokenGuard(store, refresher, nil)

	calls := 0
	err := guard.Do(context.Background(), "user_1", func(ctx context.Context, cred Credential) error {
		calls++
		if calls == 1 {
			return &AuthError{StatusCode: 401, Body: "expired"}
		}
		if cred.AccessToken != "fresh_access" {
			t.Errorf("replay did not use refreshed token: %q", cred.AccessToken)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("guard failed after refresh: %v", err)
	}
	if calls != 2 || refresher.calls != 1 {
		t.Fatalf("expected 2 calls and 1 refresh, got calls=%d refreshes=%d", calls, refresher.calls)
	}

	// The rotated refresh token must be persisted.
	cred, err := store.GetCredential(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("load credential failed: %v", err)
	}
	if cred.AccessToken != "fresh_access" || cred.RefreshToken != "refresh_2" {
		t.Fatalf("refreshed credential not persisted: %+v", cred)
	}
}

func TestTokenGuardSecondAuthFailureIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	seedCredential(t, store)
	refresher := &fakeRefresher{token: &oauth2.Token{AccessToken: "fresh_access"}}
	guard := NewTokenGuard(store, refresher, nil)

	calls := 0
	err := guard.Do(context.Background(), "user_1", func(ctx context.Context, cred Credential) error {
		calls++
		return &AuthError{StatusCode: 401, Body: "still expired"}
	})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired after exhausted retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one replay, got %d calls", calls)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refresher.calls)
	}
}

func TestTokenGuardNonAuthErrorsAreNotRetried(t *testing.T) {
	store := NewMemoryStore()
	seedCredential(t, store)
	refresher := &fakeRefresher{}
	guard := NewTokenGuard(store, refresher, nil)

	wantErr := &ProviderError{StatusCode: 503, Body: "unavailable"}
	calls := 0
	err := guard.Do(context.Background(), "user_1", func(ctx context.Context, cred Credential) error {
		calls++
		return wantErr
	})
	var provider *ProviderError
	if !errors.As(err, &provider) || provider.StatusCode != 503 {
		t.Fatalf("expected provider error to pass through, got %v", err)
	}
	if calls != 1 || refresher.calls != 0 {
		t.Fatalf("expected no retry for non-auth error, got calls=%d refreshes=%d", calls, refresher.calls)
	}
}

func TestTokenGuardRefreshFailureSurfacesAuthExpired(t *testing.T) {
	store := NewMemoryStore()
	seedCredential(t, store)
	refresher := &fakeRefresher{err: errors.New("invalid_grant")}
	guard := NewTokenGuard(store, refresher, nil)

	err := guard.Do(context.Background(), "user_1", func(ctx context.Context, cred Credential) error {
		return &AuthError{StatusCode: 401}
	})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired when refresh grant fails, got %v", err)
	}
}

func TestTokenGuardMissingCredential(t *testing.T) {
	guard := NewTokenGuard(NewMemoryStore(), &fakeRefresher{}, nil)
	err := guard.Do(context.Background(), "user_unknown", func(ctx context.Context, cred Credential) error {
		t.Fatalf("callback must not run without a credential")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
