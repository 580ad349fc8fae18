package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const calendarScope = "https://www.googleapis.com/auth/calendar"

// maxAuthRetries bounds the refresh-and-retry loop. The counter is explicit:
// outcome classification never depends on error text.
const maxAuthRetries = 1

// TokenRefresher exchanges a refresh token for a fresh access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher runs the refresh-token grant against the Google token
// endpoint.
type OAuthRefresher struct {
	config *oauth2.Config
}

func NewOAuthRefresher(clientID, clientSecret string) (*OAuthRefresher, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, ErrInvalidInput
	}
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendarScope},
		},
	}, nil
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrInvalidInput
	}
	return r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// TokenGuard wraps every outbound provider call with transparent credential
// handling: load the user's access token, run the call, and on an
// authorization failure refresh the token once, persist it, and replay the
// call once. A second authorization failure is terminal.
type TokenGuard struct {
	store     Store
	refresher TokenRefresher
	logger    *slog.Logger
}

func NewTokenGuard(store Store, refresher TokenRefresher, logger *slog.Logger) *TokenGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenGuard{store: store, refresher: refresher, logger: logger}
}

func (g *TokenGuard) Do(ctx context.Context, userID string, fn func(ctx context.Context, cred Credential) error) error {
	cred, err := g.store.GetCredential(ctx, userID)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		callErr := fn(ctx, cred)
		var authErr *AuthError
		if callErr == nil || !errors.As(callErr, &authErr) {
			return callErr
		}
		if attempt >= maxAuthRetries {
			g.logger.Warn("authorization still failing after refresh",
				"user", userID, "status", authErr.StatusCode)
			return fmt.Errorf("%w: refresh-and-retry exhausted", ErrAuthExpired)
		}
		refreshed, refreshErr := g.refreshCredential(ctx, cred)
		if refreshErr != nil {
			return refreshErr
		}
		cred = refreshed
	}
}

func (g *TokenGuard) refreshCredential(ctx context.Context, cred Credential) (Credential, error) {
	if g.refresher == nil || strings.TrimSpace(cred.RefreshToken) == "" {
		return Credential{}, fmt.Errorf("%w: no refresh token on file", ErrAuthExpired)
	}
	token, err := g.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: token refresh failed: %v", ErrAuthExpired, err)
	}
	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		// The provider may rotate the refresh token; keep the newest one.
		cred.RefreshToken = token.RefreshToken
	}
	cred.UpdatedAt = time.Now().UTC()
	if err := g.store.SaveCredential(ctx, cred); err != nil {
		return Credential{}, err
	}
	g.logger.Info("refreshed provider access token", "user", cred.UserID)
	return cred, nil
}
