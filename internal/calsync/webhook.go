package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultChannelTTL is the lifetime requested when registering a push
	// channel; the provider may shorten it.
	DefaultChannelTTL = 7 * 24 * time.Hour
	// DefaultRenewalWindow is how far ahead of expiry a subscription is
	// replaced by the maintenance sweep.
	DefaultRenewalWindow = 24 * time.Hour
	// DefaultSweepInterval is the cadence of the maintenance sweep.
	DefaultSweepInterval = 6 * time.Hour
)

// WebhookStatus is the externally visible subscription state for one user.
type WebhookStatus struct {
	Active     bool      `json:"active"`
	ChannelID  string    `json:"channelId,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
	Expiration time.Time `json:"expiration,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
}

// MaintenanceReport summarizes one sweep.
type MaintenanceReport struct {
	Purged  int `json:"purged"`
	Renewed int `json:"renewed"`
	Failed  int `json:"failed"`
}

type SubscriptionManagerOptions struct {
	Store         Store
	Provider      Provider
	Guard         *TokenGuard
	Coordinator   *Coordinator
	CallbackURL   string
	ChannelTTL    time.Duration
	RenewalWindow time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// SubscriptionManager owns the push-channel lifecycle: setup, notification
// handling, teardown, and the periodic sweep that purges expired channels
// and renews expiring ones.
type SubscriptionManager struct {
	store         Store
	provider      Provider
	guard         *TokenGuard
	coordinator   *Coordinator
	callbackURL   string
	channelTTL    time.Duration
	renewalWindow time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	cron *cron.Cron
}

func NewSubscriptionManager(opts SubscriptionManagerOptions) (*SubscriptionManager, error) {
	if opts.Store == nil || opts.Provider == nil || opts.Guard == nil || opts.Coordinator == nil {
		return nil, ErrInvalidInput
	}
	if opts.ChannelTTL <= 0 {
		opts.ChannelTTL = DefaultChannelTTL
	}
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = DefaultRenewalWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		store:         opts.Store,
		provider:      opts.Provider,
		guard:         opts.Guard,
		coordinator:   opts.Coordinator,
		callbackURL:   strings.TrimSpace(opts.CallbackURL),
		channelTTL:    opts.ChannelTTL,
		renewalWindow: opts.RenewalWindow,
		sweepInterval: opts.SweepInterval,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Setup registers a push channel for the user, reusing an existing
// subscription that has not expired yet.
func (m *SubscriptionManager) Setup(ctx context.Context, userID string) (Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return Subscription{}, ErrInvalidInput
	}
	if m.callbackURL == "" {
		return Subscription{}, fmt.Errorf("%w: webhook callback url is not configured", ErrInvalidInput)
	}
	existing, err := m.store.GetSubscriptionByUser(ctx, userID)
	if err == nil && !existing.Expired(m.now()) {
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Subscription{}, err
	}

	channelID := uuid.NewString()
	var watch WatchResult
	err = m.guard.Do(ctx, userID, func(ctx context.Context, cred Credential) error {
		result, watchErr := m.provider.Watch(ctx, cred.AccessToken, calendarIDFor(cred), channelID, m.callbackURL, m.channelTTL)
		if watchErr != nil {
			return watchErr
		}
		watch = result
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}

	expiration := watch.Expiration
	if expiration.IsZero() {
		expiration = m.now().Add(m.channelTTL)
	}
	sub := Subscription{
		ChannelID:  channelID,
		UserID:     userID,
		ResourceID: watch.ResourceID,
		Expiration: expiration,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.PutSubscription(ctx, sub); err != nil {
		return Subscription{}, err
	}
	m.logger.Info("webhook subscription created",
		"user", userID, "channel", channelID, "expiration", expiration)
	return sub, nil
}

// HandleNotification processes one push message: resolve the owning user
// from the channel id, run an incremental sync, and stamp the subscription.
// Unprocessable resource states are ignored without error.
func (m *SubscriptionManager) HandleNotification(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.ChannelID) == "" || strings.TrimSpace(n.ResourceState) == "" {
		return ErrInvalidInput
	}
	if !ProcessableState(n.ResourceState) {
		m.logger.Debug("ignoring notification resource state",
			"channel", n.ChannelID, "state", n.ResourceState)
		return nil
	}
	sub, err := m.store.GetSubscription(ctx, n.ChannelID)
	if err != nil {
		return err
	}
	if err := m.coordinator.SyncForNotification(ctx, sub.UserID); err != nil {
		return err
	}
	sub.LastSyncAt = m.now().UTC()
	if err := m.store.PutSubscription(ctx, sub); err != nil {
		return err
	}
	return nil
}

// Unsubscribe stops the provider channel best-effort and removes the local
// record. Provider-side stop failures are tolerated so forced renewal can
// always proceed.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, channelID string) error {
	sub, err := m.store.GetSubscription(ctx, channelID)
	if err != nil {
		return err
	}
	stopErr := m.guard.Do(ctx, sub.UserID, func(ctx context.Context, cred Credential) error {
		return m.provider.StopChannel(ctx, cred.AccessToken, sub.ChannelID, sub.ResourceID)
	})
	if stopErr != nil {
		m.logger.Warn("failed to stop provider channel, deleting local record anyway",
			"channel", channelID, "error", stopErr)
	}
	return m.store.DeleteSubscription(ctx, channelID)
}

func (m *SubscriptionManager) Status(ctx context.Context, userID string) (WebhookStatus, error) {
	sub, err := m.store.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return WebhookStatus{Active: false}, nil
	}
	if err != nil {
		return WebhookStatus{}, err
	}
	return WebhookStatus{
		Active:     !sub.Expired(m.now()),
		ChannelID:  sub.ChannelID,
		ResourceID: sub.ResourceID,
		Expiration: sub.Expiration,
		LastSyncAt: sub.LastSyncAt,
	}, nil
}

// RunMaintenance performs one sweep: purge subscriptions already past
// expiration, then replace every subscription expiring within the renewal
// window (old channel stopped, new one registered).
func (m *SubscriptionManager) RunMaintenance(ctx context.Context) MaintenanceReport {
	report := MaintenanceReport{}
	now := m.now()

	purged, err := m.store.PurgeSubscriptionsExpiredBefore(ctx, now)
	if err != nil {
		m.logger.Error("failed to purge expired subscriptions", "error", err)
	} else {
		report.Purged = purged
	}

	expiring, err := m.store.ListSubscriptionsExpiringBefore(ctx, now.Add(m.renewalWindow))
	if err != nil {
		m.logger.Error("failed to list expiring subscriptions", "error", err)
		return report
	}
	for _, sub := range expiring {
		if err := m.Unsubscribe(ctx, sub.ChannelID); err != nil {
			m.logger.Error("failed to remove expiring subscription",
				"channel", sub.ChannelID, "user", sub.UserID, "error", err)
			report.Failed++
			continue
		}
		if _, err := m.Setup(ctx, sub.UserID); err != nil {
			m.logger.Error("failed to replace expiring subscription",
				"user", sub.UserID, "error", err)
			report.Failed++
			continue
		}
		report.Renewed++
	}
	if report.Purged > 0 || report.Renewed > 0 || report.Failed > 0 {
		m.logger.Info("webhook maintenance sweep finished",
			"purged", report.Purged, "renewed", report.Renewed, "failed", report.Failed)
	}
	return report
}

// StartMaintenance schedules the sweep for the process lifetime. The
// returned stop function cancels the schedule and waits for an in-flight
// sweep to unwind.
func (m *SubscriptionManager) StartMaintenance() (func(), error) {
	if m.cron != nil {
		return nil, fmt.Errorf("maintenance already started")
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.sweepInterval)
	if _, err := c.AddFunc(spec, func() {
		m.RunMaintenance(context.Background())
	}); err != nil {
		return nil, err
	}
	m.cron = c
	c.Start()
	m.logger.Info("webhook maintenance scheduled", "interval", m.sweepInterval)
	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
		m.cron = nil
	}, nil
}
