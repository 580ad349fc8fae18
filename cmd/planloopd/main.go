package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/planloop/planloop/internal/calsync"
	"github.com/planloop/planloop/internal/httpapi"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "planloopd",
		Usage: "Calendar synchronization service: mirror, cache, and webhook channels.",
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, notification workers, and the maintenance sweep.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "Listen address.", EnvVars: []string{"PLANLOOP_ADDR"}},
			&cli.IntFlag{Name: "workers", Value: 2, Usage: "Notification worker count.", EnvVars: []string{"PLANLOOP_NOTIFICATION_WORKERS"}},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(os.Getenv("LOG_LEVEL"))

			deps, err := buildComponents(logger)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := deps.store.Close(); closeErr != nil {
					logger.Warn("store close failed", "error", closeErr)
				}
				_ = deps.queue.Close()
			}()

			server, err := httpapi.NewServerWithConfig(deps.coordinator, deps.webhooks, deps.queue, logger, httpapi.ServerConfig{
				JWTSecret:       os.Getenv("PLANLOOP_JWT_SECRET"),
				ChannelToken:    os.Getenv("PLANLOOP_WEBHOOK_CHANNEL_TOKEN"),
				RateLimitMax:    intEnv("PLANLOOP_RATE_LIMIT_MAX", 0),
				RateLimitWindow: durationEnv("PLANLOOP_RATE_LIMIT_WINDOW", time.Minute),
				MaxBodyBytes:    int64Env("PLANLOOP_MAX_BODY_BYTES", 0),
			})
			if err != nil {
				return fmt.Errorf("failed to build http server: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			workers := c.Int("workers")
			if workers < 1 {
				workers = 1
			}
			worker, err := calsync.NewQueueWorker(calsync.QueueWorkerOptions{
				Queue:        deps.queue,
				Handler:      deps.webhooks,
				MaxAttempts:  intEnv("PLANLOOP_NOTIFICATION_MAX_ATTEMPTS", 0),
				RetryBackoff: durationEnv("PLANLOOP_NOTIFICATION_RETRY_BACKOFF", 0),
				Logger:       logger,
			})
			if err != nil {
				return fmt.Errorf("failed to build queue worker: %w", err)
			}
			for i := 0; i < workers; i++ {
				go worker.Run(ctx)
			}

			stopSweep, err := deps.webhooks.StartMaintenance()
			if err != nil {
				return fmt.Errorf("failed to start maintenance sweep: %w", err)
			}
			defer stopSweep()

			httpServer := &http.Server{
				Addr:    c.String("addr"),
				Handler: server,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("planloopd listening", "addr", httpServer.Addr)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one webhook maintenance sweep (purge expired, renew expiring) and exit.",
		Action: func(c *cli.Context) error {
			logger := setupLogger(os.Getenv("LOG_LEVEL"))

			deps, err := buildComponents(logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = deps.store.Close()
				_ = deps.queue.Close()
			}()

			report := deps.webhooks.RunMaintenance(c.Context)
			logger.Info("sweep finished",
				"purged", report.Purged, "renewed", report.Renewed, "failed", report.Failed)
			return nil
		},
	}
}

type components struct {
	store       calsync.Store
	queue       calsync.NotificationQueue
	coordinator *calsync.Coordinator
	webhooks    *calsync.SubscriptionManager
}

func buildComponents(logger *slog.Logger) (*components, error) {
	storeDSN := strings.TrimSpace(os.Getenv("PLANLOOP_STORE_DSN"))
	if storeDSN == "" {
		storeDSN = "memory://"
	}
	store, err := calsync.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to build store: %w", err)
	}

	cache := calsync.NewMemoryCache(durationEnv("PLANLOOP_CACHE_TTL", 0))
	provider := calsync.NewGoogleClient(calsync.GoogleClientOptions{
		BaseURL:   os.Getenv("PLANLOOP_CALENDAR_BASE_URL"),
		UserAgent: "planloopd",
	})
	refresher, err := calsync.NewOAuthRefresher(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
	if err != nil {
		return nil, fmt.Errorf("failed to build token refresher: %w", err)
	}
	guard := calsync.NewTokenGuard(store, refresher, logger)

	coordinator, err := calsync.NewCoordinator(calsync.CoordinatorOptions{
		Store:    store,
		Cache:    cache,
		Provider: provider,
		Guard:    guard,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	queue, err := calsync.BuildNotificationQueueFromDSN(
		os.Getenv("PLANLOOP_QUEUE_DSN"),
		intEnv("PLANLOOP_QUEUE_SIZE", 0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build notification queue: %w", err)
	}

	webhooks, err := calsync.NewSubscriptionManager(calsync.SubscriptionManagerOptions{
		Store:         store,
		Provider:      provider,
		Guard:         guard,
		Coordinator:   coordinator,
		CallbackURL:   os.Getenv("PLANLOOP_WEBHOOK_CALLBACK_URL"),
		ChannelTTL:    durationEnv("PLANLOOP_WEBHOOK_CHANNEL_TTL", 0),
		RenewalWindow: durationEnv("PLANLOOP_WEBHOOK_RENEWAL_WINDOW", 0),
		SweepInterval: durationEnv("PLANLOOP_WEBHOOK_SWEEP_INTERVAL", 0),
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription manager: %w", err)
	}

	return &components{
		store:       store,
		queue:       queue,
		coordinator: coordinator,
		webhooks:    webhooks,
	}, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
