package calsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAuthExpired        = errors.New("authorization expired")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrCursorInvalid      = errors.New("sync cursor invalid")
	ErrQueueFull          = errors.New("queue full")
	ErrNotImplemented     = errors.New("not implemented")
)

// ConflictError reports a conditional update rejected by the provider
// because the resource changed remotely since its etag was read.
type ConflictError struct {
	EventID      string
	StoredEtag   string
	CurrentEtag  string
	ProviderBody string
}

func (e *ConflictError) Error() string {
	if e.EventID == "" {
		return "precondition failed"
	}
	return fmt.Sprintf("precondition failed for event %s", e.EventID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// AuthError is an authorization failure from the provider. The token guard
// converts it into a single refresh-and-retry; a second occurrence becomes
// ErrAuthExpired.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider authorization failed with status %d", e.StatusCode)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthExpired
}

// ProviderError carries a non-success provider response that is neither an
// authorization failure, a conflict, nor a cursor invalidation.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}
