package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planloop/planloop/internal/calsync"
)

type ServerConfig struct {
	JWTSecret       string
	ChannelToken    string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	coordinator *calsync.Coordinator
	webhooks    *calsync.SubscriptionManager
	queue       calsync.NotificationQueue
	schemas     *requestSchemas
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coordinator *calsync.Coordinator, webhooks *calsync.SubscriptionManager, queue calsync.NotificationQueue, logger *slog.Logger) (*Server, error) {
	return NewServerWithConfig(coordinator, webhooks, queue, logger, ServerConfig{})
}

func NewServerWithConfig(coordinator *calsync.Coordinator, webhooks *calsync.SubscriptionManager, queue calsync.NotificationQueue, logger *slog.Logger, cfg ServerConfig) (*Server, error) {
	if coordinator == nil || webhooks == nil || queue == nil {
		return nil, calsync.ErrInvalidInput
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		coordinator: coordinator,
		webhooks:    webhooks,
		queue:       queue,
		schemas:     schemas,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/dashboard" || r.URL.Path == "/dashboard/" {
		s.handleDashboard(w, r)
		return
	}

	// Google push deliveries carry no bearer token.
	if r.URL.Path == "/v1/webhook/google-calendar" && r.Method == http.MethodPost {
		s.handleWebhookReceipt(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "calendar" && parts[2] == "events" && r.Method == http.MethodGet:
		requiredScope = "calendar:read"
		route = "events"
	case len(parts) == 4 && parts[1] == "calendar" && parts[2] == "events" && parts[3] == "bulk" && r.Method == http.MethodPost:
		requiredScope = "calendar:write"
		route = "bulk_update"
	case len(parts) == 4 && parts[1] == "calendar" && parts[2] == "events" && r.Method == http.MethodGet:
		requiredScope = "calendar:read"
		route = "event"
	case len(parts) == 4 && parts[1] == "calendar" && parts[2] == "events" && r.Method == http.MethodPatch:
		requiredScope = "calendar:write"
		route = "patch_event"
	case len(parts) == 3 && parts[1] == "calendar" && parts[2] == "list" && r.Method == http.MethodGet:
		requiredScope = "calendar:read"
		route = "calendar_list"
	case len(parts) == 3 && parts[1] == "webhook" && parts[2] == "setup" && r.Method == http.MethodPost:
		requiredScope = "webhook:manage"
		route = "webhook_setup"
	case len(parts) == 4 && parts[1] == "webhook" && parts[2] == "channels" && r.Method == http.MethodDelete:
		requiredScope = "webhook:manage"
		route = "webhook_unsubscribe"
	case len(parts) == 3 && parts[1] == "webhook" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = "webhook:manage"
		route = "webhook_status"
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "stats" && r.Method == http.MethodGet:
		requiredScope = "cache:manage"
		route = "cache_stats"
	case len(parts) == 2 && parts[1] == "cache" && r.Method == http.MethodDelete:
		requiredScope = "cache:manage"
		route = "cache_clear"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "events":
		s.handleEvents(w, r, claims.UserID, correlationID)
	case "event":
		s.handleEvent(w, r, claims.UserID, parts[3], correlationID)
	case "patch_event":
		s.handlePatchEvent(w, r, claims.UserID, parts[3], correlationID)
	case "bulk_update":
		s.handleBulkUpdate(w, r, claims.UserID, correlationID)
	case "calendar_list":
		s.handleCalendarList(w, r, claims.UserID, correlationID)
	case "webhook_setup":
		s.handleWebhookSetup(w, r, claims.UserID, correlationID)
	case "webhook_unsubscribe":
		s.handleWebhookUnsubscribe(w, r, parts[3], correlationID)
	case "webhook_status":
		s.handleWebhookStatus(w, r, claims.UserID, correlationID)
	case "cache_stats":
		s.handleCacheStats(w, r, claims.UserID, correlationID)
	case "cache_clear":
		s.handleCacheClear(w, r, claims.UserID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	force := queryBool(r, "forceFullSync")
	snapshot := queryBool(r, "fullSnapshot")
	result, err := s.coordinator.GetEvents(r.Context(), userID, force, snapshot)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, userID, eventID, correlationID string) {
	result, err := s.coordinator.GetEvent(r.Context(), userID, eventID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePatchEvent(w http.ResponseWriter, r *http.Request, userID, eventID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.patchEvent, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	updated, err := s.coordinator.UpdateEvent(r.Context(), userID, eventID, fields)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.bulkUpdate, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		Updates []calsync.BulkUpdateItem `json:"updates"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	results := s.coordinator.BulkUpdateEvents(r.Context(), userID, req.Updates)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCalendarList(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	list, source, err := s.coordinator.ListCalendars(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": source,
		"items":  list.Items,
	})
}

// handleWebhookReceipt accepts Google push deliveries. The only client error
// is a missing required header; once the headers are present the response is
// always 200 so the provider never retries against transient local faults.
func (s *Server) handleWebhookReceipt(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.Header.Get("X-Goog-Channel-Id"))
	resourceState := strings.TrimSpace(r.Header.Get("X-Goog-Resource-State"))
	if channelID == "" || resourceState == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Goog-Channel-Id or X-Goog-Resource-State header", getCorrelationID(r))
		return
	}
	if s.cfg.ChannelToken != "" && r.Header.Get("X-Goog-Channel-Token") != s.cfg.ChannelToken {
		s.logger.Warn("webhook channel token mismatch", "channel", channelID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	n := calsync.Notification{
		ChannelID:     channelID,
		ResourceID:    strings.TrimSpace(r.Header.Get("X-Goog-Resource-Id")),
		ResourceState: resourceState,
		MessageNumber: strings.TrimSpace(r.Header.Get("X-Goog-Message-Number")),
	}
	if !calsync.ProcessableState(resourceState) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if !s.queue.TryEnqueue(calsync.NewNotificationTask(n)) {
		s.logger.Error("notification queue rejected task", "channel", channelID, "depth", s.queue.Depth())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleWebhookSetup(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	sub, err := s.webhooks.Setup(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleWebhookUnsubscribe(w http.ResponseWriter, r *http.Request, channelID, correlationID string) {
	if err := s.webhooks.Unsubscribe(r.Context(), channelID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func (s *Server) handleWebhookStatus(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	status, err := s.webhooks.Status(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	stats := s.coordinator.CacheStats(r.Context(), userID)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	s.coordinator.ClearUserCache(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *calsync.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "conflict",
			"message":       conflict.Error(),
			"eventId":       conflict.EventID,
			"storedEtag":    conflict.StoredEtag,
			"currentEtag":   conflict.CurrentEtag,
			"correlationId": correlationID,
		})
		return
	}
	var provider *calsync.ProviderError
	switch {
	case errors.Is(err, calsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, "auth_expired", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrPreconditionFailed):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.As(err, &provider):
		writeError(w, http.StatusBadGateway, "provider_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func queryBool(r *http.Request, key string) bool {
	v := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key)))
	return v == "true" || v == "1" || v == "yes"
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
