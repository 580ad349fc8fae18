package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// WatchResult is the provider's answer to a channel registration.
type WatchResult struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// Provider is the remote calendar surface the subsystem consumes. Methods
// take the access token explicitly; the token guard owns loading and
// refreshing it.
type Provider interface {
	ListChanges(ctx context.Context, token, calendarID, syncToken string) (EventPage, error)
	GetEvent(ctx context.Context, token, calendarID, eventID, etag string) (EventRecord, bool, error)
	PatchEvent(ctx context.Context, token, calendarID, eventID, etag string, fields map[string]any) (EventRecord, error)
	DeleteEvent(ctx context.Context, token, calendarID, eventID, etag string) error
	ListCalendars(ctx context.Context, token string) (CalendarList, error)
	Watch(ctx context.Context, token, calendarID, channelID, address string, ttl time.Duration) (WatchResult, error)
	StopChannel(ctx context.Context, token, channelID, resourceID string) error
}

type GoogleClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// GoogleClient talks to the Google Calendar v3 REST surface directly. The
// conditional-request and cursor semantics the coordinator depends on are
// expressed as typed outcomes here, never as error-string matching.
type GoogleClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func NewGoogleClient(opts GoogleClientOptions) *GoogleClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.googleapis.com/calendar/v3"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &GoogleClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

// callOutcome normalizes non-JSON and no-content responses into markers the
// callers branch on instead of parsing errors.
type callOutcome struct {
	StatusCode  int
	NotModified bool
	NoContent   bool
}

// doJSON performs one provider call and classifies the response. Specific
// statuses are mapped to typed errors before the generic non-success check:
// 401 -> AuthError, 410 -> ErrCursorInvalid, 412/409 -> ConflictError. The
// 410-before-generic ordering is load-bearing for cursor recovery.
func (c *GoogleClient) doJSON(ctx context.Context, method, requestPath, token string, headers map[string]string, body, out any) (callOutcome, error) {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return callOutcome{}, err
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return callOutcome{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return callOutcome{}, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return callOutcome{}, readErr
	}

	outcome := callOutcome{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		outcome.NotModified = true
		return outcome, nil
	case resp.StatusCode == http.StatusNoContent:
		outcome.NoContent = true
		return outcome, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if out == nil || len(payload) == 0 {
			outcome.NoContent = len(payload) == 0
			return outcome, nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return outcome, fmt.Errorf("decode provider response: %w", err)
		}
		return outcome, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return outcome, &AuthError{StatusCode: resp.StatusCode, Body: string(payload)}
	case resp.StatusCode == http.StatusGone:
		return outcome, fmt.Errorf("%w: %s", ErrCursorInvalid, strings.TrimSpace(string(payload)))
	case resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict:
		return outcome, &ConflictError{ProviderBody: string(payload)}
	case resp.StatusCode == http.StatusNotFound:
		return outcome, fmt.Errorf("%w: provider resource", ErrNotFound)
	default:
		return outcome, &ProviderError{StatusCode: resp.StatusCode, Body: string(payload)}
	}
}

// ListChanges runs one sync call: full when syncToken is empty, incremental
// otherwise. Pagination is followed to the end so the caller sees a single
// page of items plus the fresh cursor.
func (c *GoogleClient) ListChanges(ctx context.Context, token, calendarID, syncToken string) (EventPage, error) {
	var merged EventPage
	pageToken := ""
	for {
		q := url.Values{}
		if syncToken != "" {
			q.Set("syncToken", syncToken)
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		requestPath := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
		if encoded := q.Encode(); encoded != "" {
			requestPath += "?" + encoded
		}
		var page struct {
			Items         []EventRecord `json:"items"`
			NextPageToken string        `json:"nextPageToken"`
			NextSyncToken string        `json:"nextSyncToken"`
		}
		if _, err := c.doJSON(ctx, http.MethodGet, requestPath, token, nil, nil, &page); err != nil {
			return EventPage{}, err
		}
		merged.Items = append(merged.Items, page.Items...)
		if page.NextSyncToken != "" {
			merged.NextSyncToken = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			return merged, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetEvent issues a conditional GET. The second return is true when the
// provider answered 304 Not Modified for the supplied etag.
func (c *GoogleClient) GetEvent(ctx context.Context, token, calendarID, eventID, etag string) (EventRecord, bool, error) {
	requestPath := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	headers := map[string]string{}
	if etag != "" {
		headers["If-None-Match"] = etag
	}
	var event EventRecord
	outcome, err := c.doJSON(ctx, http.MethodGet, requestPath, token, headers, nil, &event)
	if err != nil {
		return EventRecord{}, false, err
	}
	if outcome.NotModified {
		return EventRecord{}, true, nil
	}
	return event, false, nil
}

// PatchEvent issues a conditional PATCH guarded by If-Match. A precondition
// failure surfaces as ConflictError with the event id filled in.
func (c *GoogleClient) PatchEvent(ctx context.Context, token, calendarID, eventID, etag string, fields map[string]any) (EventRecord, error) {
	if len(fields) == 0 {
		return EventRecord{}, ErrInvalidInput
	}
	requestPath := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = etag
	}
	var event EventRecord
	_, err := c.doJSON(ctx, http.MethodPatch, requestPath, token, headers, fields, &event)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			conflict.EventID = eventID
			conflict.StoredEtag = etag
		}
		return EventRecord{}, err
	}
	return event, nil
}

func (c *GoogleClient) DeleteEvent(ctx context.Context, token, calendarID, eventID, etag string) error {
	requestPath := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	headers := map[string]string{}
	if etag != "" {
		headers["If-Match"] = etag
	}
	_, err := c.doJSON(ctx, http.MethodDelete, requestPath, token, headers, nil, nil)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			conflict.EventID = eventID
			conflict.StoredEtag = etag
		}
	}
	return err
}

func (c *GoogleClient) ListCalendars(ctx context.Context, token string) (CalendarList, error) {
	var list CalendarList
	if _, err := c.doJSON(ctx, http.MethodGet, "/users/me/calendarList", token, nil, nil, &list); err != nil {
		return CalendarList{}, err
	}
	return list, nil
}

// Watch registers a push channel. The provider caps the lifetime; the
// returned expiration is authoritative, not the requested ttl.
func (c *GoogleClient) Watch(ctx context.Context, token, calendarID, channelID, address string, ttl time.Duration) (WatchResult, error) {
	if strings.TrimSpace(channelID) == "" || strings.TrimSpace(address) == "" {
		return WatchResult{}, ErrInvalidInput
	}
	body := map[string]any{
		"id":      channelID,
		"type":    "web_hook",
		"address": address,
	}
	if ttl > 0 {
		body["params"] = map[string]string{
			"ttl": strconv.FormatInt(int64(ttl.Seconds()), 10),
		}
	}
	requestPath := fmt.Sprintf("/calendars/%s/events/watch", url.PathEscape(calendarID))
	var resp struct {
		ID         string `json:"id"`
		ResourceID string `json:"resourceId"`
		// Epoch milliseconds, sent as a JSON string.
		Expiration string `json:"expiration"`
	}
	if _, err := c.doJSON(ctx, http.MethodPost, requestPath, token, nil, body, &resp); err != nil {
		return WatchResult{}, err
	}
	result := WatchResult{ChannelID: resp.ID, ResourceID: resp.ResourceID}
	if result.ChannelID == "" {
		result.ChannelID = channelID
	}
	if millis, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil && millis > 0 {
		result.Expiration = time.UnixMilli(millis).UTC()
	}
	return result, nil
}

func (c *GoogleClient) StopChannel(ctx context.Context, token, channelID, resourceID string) error {
	if strings.TrimSpace(channelID) == "" {
		return ErrInvalidInput
	}
	body := map[string]string{
		"id":         channelID,
		"resourceId": resourceID,
	}
	_, err := c.doJSON(ctx, http.MethodPost, "/channels/stop", token, nil, body, nil)
	return err
}
