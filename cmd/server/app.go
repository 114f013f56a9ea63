package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"courierhook/internal/api/handlers"
	"courierhook/internal/config"
	"courierhook/internal/core"
	"courierhook/internal/courier"
	"courierhook/internal/db"
	"courierhook/internal/dedup"
	"courierhook/internal/external"
	"courierhook/internal/metrics"
	"courierhook/internal/notify"
	"courierhook/internal/pipeline"
	"courierhook/internal/types"
)

// purgeInterval is how often expired dedup rows are deleted from Postgres.
const purgeInterval = 10 * time.Minute

// app is the wired service.
type app struct {
	server    *core.Server
	runner    *pipeline.TaskRunner
	sessions  *courier.SessionManager
	processor *pipeline.Processor
	email     external.EmailProvider
	logger    *slog.Logger

	logoutOnShutdown bool
	stopBackground   context.CancelFunc
}

// buildApp wires every component from cfg. Resources it opens are registered
// on the server's closers.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	clock := types.RealClock{}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	a := &app{
		server:           srv,
		logger:           logger,
		logoutOnShutdown: cfg.Courier.LogoutOnShutdown,
		stopBackground:   stopBackground,
	}

	claims, err := newDedupStore(ctx, bgCtx, cfg, clock, srv, logger)
	if err != nil {
		stopBackground()
		return nil, err
	}

	pm, err := newPipelineMetrics(ctx, cfg, logger)
	if err != nil {
		stopBackground()
		return nil, err
	}

	registry, err := external.NewClientRegistry(cfg, logger)
	if err != nil {
		stopBackground()
		return nil, fmt.Errorf("creating external clients: %w", err)
	}
	a.email = registry.Email

	creds := cfg.Courier.Active(cfg.IsProduction())
	courierClient := courier.NewClient(&http.Client{Timeout: cfg.Courier.Timeout}, courier.ClientConfig{
		BaseURL: creds.BaseURL,
		Logger:  logger.With("client", "courier"),
	})

	a.sessions = courier.NewSessionManager(courierClient, newSessionStore(cfg), courier.SessionManagerConfig{
		Credentials:  courier.Credentials{User: creds.User, Password: creds.Password},
		SingleFlight: cfg.Courier.SingleFlightLogin,
		Logger:       logger,
	})

	dispatcher, err := notify.NewDispatcher(registry.Email, notify.Config{
		From:           types.SenderIdentity{Name: cfg.Email.FromName, Address: cfg.Email.FromAddress},
		LabelRecipient: cfg.Email.LabelRecipient,
		DevRecipient:   cfg.Email.DevRecipient,
		TrackingURL:    cfg.Email.TrackingURL,
		Logger:         logger,
	})
	if err != nil {
		stopBackground()
		return nil, err
	}

	a.processor = pipeline.NewProcessor(
		a.sessions,
		courier.NewRegistrar(courierClient, courier.SenderProfile{
			Name:    cfg.Courier.SenderName,
			Phone:   cfg.Courier.SenderPhone,
			Remarks: cfg.Courier.Remarks,
		}, logger),
		courier.NewLabelFetcher(courierClient, cfg.Courier.LabelPath, logger),
		dispatcher,
		pipeline.ProcessorConfig{
			IsProduction: cfg.IsProduction(),
			Logger:       logger,
			Metrics:      pm,
			Clock:        clock,
		},
	)
	a.runner = pipeline.NewTaskRunner(logger)

	webhook := handlers.NewWebhookHandler(registry.Verifier, srv.Validator, claims, a.runner, a.processor,
		handlers.WebhookHandlerConfig{
			Secret:   cfg.Webhook.Secret,
			DedupTTL: cfg.Webhook.DedupTTL,
			Logger:   logger,
			Metrics:  pm,
			Clock:    clock,
		})
	srv.RouteRegistrars = append(srv.RouteRegistrars, webhook.RegisterRoutes)
	srv.MountRoutes()

	return a, nil
}

// shutdown waits for in-flight runs, optionally ends the courier session, and
// releases backend resources.
func (a *app) shutdown(ctx context.Context) error {
	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Error("shipment runs still in flight at shutdown", "error", err)
	}
	a.stopBackground()

	if a.logoutOnShutdown {
		if token, err := a.sessions.CachedToken(ctx); err == nil && token != "" {
			if err := a.sessions.Logout(ctx, token); err != nil {
				a.logger.Warn("courier logout failed", "error", err)
			} else if err := a.sessions.StoreToken(ctx, ""); err != nil {
				a.logger.Warn("failed to clear courier session", "error", err)
			}
		}
	}

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.logger.Info("server stopped cleanly")
	return nil
}

func newSessionStore(cfg *config.Config) courier.SessionStore {
	if cfg.Courier.SessionStore == "memory" {
		return courier.NewMemorySessionStore(cfg.Courier.SessionID)
	}
	return courier.NewDotenvSessionStore(cfg.Courier.SessionFile, cfg.Courier.SessionEnvKey, cfg.Courier.SessionID)
}

// newDedupStore opens the configured dedup backend and registers its health
// probe and closer. bgCtx scopes the Postgres purge loop.
func newDedupStore(ctx, bgCtx context.Context, cfg *config.Config, clock types.Clock, srv *core.Server, logger *slog.Logger) (dedup.Store, error) {
	switch cfg.Webhook.DedupBackend {
	case "redis":
		store, rdb, err := dedup.NewRedisStoreFromURL(cfg.Webhook.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		srv.HealthProbes = append(srv.HealthProbes, core.NamedProbe("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		srv.Closers = append(srv.Closers, rdb)
		return store, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Webhook.DatabaseURL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		repo := db.NewEventRepository(pool, clock)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("preparing dedup schema: %w", err)
		}
		srv.HealthProbes = append(srv.HealthProbes, core.NamedProbe("postgres", pool.Ping))
		srv.Closers = append(srv.Closers, core.CloserFunc(func() error {
			pool.Close()
			return nil
		}))
		go purgeLoop(bgCtx, repo, logger)
		return repo, nil

	default:
		return dedup.NewMemoryStore(clock), nil
	}
}

func purgeLoop(ctx context.Context, repo *db.EventRepository, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("dedup purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired webhook events", "count", n)
			}
		}
	}
}

func newPipelineMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.PipelineMetrics, error) {
	if cfg.Metrics.Backend != "cloudwatch" {
		return metrics.Noop{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Metrics.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		o.RetryMaxAttempts = 2
	})
	return metrics.NewCloudWatchPipelineMetrics(client, cfg.Metrics.Namespace, logger), nil
}
