// Package app wires together all dependencies and runs the engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/openmart/searchsync/internal/config"
	"github.com/openmart/searchsync/internal/consumer"
	"github.com/openmart/searchsync/internal/domain"
	"github.com/openmart/searchsync/internal/index"
	esindex "github.com/openmart/searchsync/internal/index/elasticsearch"
	memindex "github.com/openmart/searchsync/internal/index/memory"
	"github.com/openmart/searchsync/internal/ledger"
	"github.com/openmart/searchsync/internal/ops"
	"github.com/openmart/searchsync/internal/pipeline"
	"github.com/openmart/searchsync/internal/reconcile"
	"github.com/openmart/searchsync/internal/transform"
)

// App holds the running components of the synchronization engine.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	consumers  []*consumer.Consumer
	cascades   *pipeline.CascadeExecutor
	reconciler *reconcile.Reconciler
	httpServer *http.Server
	dlq        *consumer.DLQProducer

	redisClient *redis.Client
	pgPool      *pgxpool.Pool
}

// New creates the application with all dependencies wired.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	// Index writer.
	var writer index.Writer
	var esWriter *esindex.Writer
	switch cfg.IndexEngine {
	case "elasticsearch":
		var err error
		esWriter, err = esindex.New(cfg.ElasticsearchURL, cfg.IndexPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("init elasticsearch writer: %w", err)
		}
		writer = esWriter
		logger.Info("elasticsearch index writer initialized",
			slog.String("url", cfg.ElasticsearchURL),
			slog.String("prefix", cfg.IndexPrefix),
		)
	default:
		writer = memindex.New()
		logger.Info("in-memory index writer initialized")
	}

	if err := writer.EnsureIndices(ctx); err != nil {
		return nil, fmt.Errorf("ensure indices: %w", err)
	}

	// Idempotency ledger.
	led, err := a.buildLedger(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("idempotency ledger initialized", slog.String("backend", cfg.LedgerBackend))

	// Transform registry with the per-entity visibility policies.
	registry := transform.NewRegistry(cfg.DeletePolicies())

	retry := pipeline.RetryPolicy{
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   cfg.RetryMultiplier,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxAttempts:  cfg.RetryMaxAttempts,
	}

	// Dead-letter channel.
	a.dlq = consumer.NewDLQProducer(cfg.KafkaBrokers, cfg.DLQPrefix, logger)

	// Deferred cascade execution.
	a.cascades = pipeline.NewCascadeExecutor(writer, led, retry, cfg.CascadeBatchSize, cfg.CascadeQueueSize, logger)

	pipe := pipeline.New(led, registry, writer, a.dlq, a.cascades, retry, cfg.WriteTimeout, logger)

	// One consumer per bound topic, all in the same group.
	for _, topic := range cfg.Topics {
		c := consumer.New(consumer.Config{
			Brokers:  cfg.KafkaBrokers,
			GroupID:  cfg.ConsumerGroup,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6, // 10 MB
		}, pipe.Process, logger)
		a.consumers = append(a.consumers, c)
	}
	logger.Info("kafka consumers initialized",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.Int("topic_count", len(cfg.Topics)),
	)

	// Reconciliation.
	if cfg.ReconcileEnabled {
		scope := make([]domain.EntityType, 0, len(cfg.ReconcileScope))
		for _, s := range cfg.ReconcileScope {
			scope = append(scope, domain.EntityType(s))
		}
		source := reconcile.NewHTTPSource(cfg.SourceBaseURL)
		a.reconciler = reconcile.New(source, writer, registry, led, reconcile.Config{
			Interval:      cfg.ReconcileInterval,
			Scope:         scope,
			PageSize:      cfg.ReconcilePageSize,
			BulkSize:      cfg.BulkBatchSize,
			FlushInterval: cfg.FlushInterval,
		}, logger)
	}

	// Operational HTTP surface.
	health := ops.NewHealth()
	if esWriter != nil {
		health.Register("elasticsearch", esWriter.Ping)
	}
	health.Register("kafka", func(ctx context.Context) error {
		return consumer.PingBrokers(ctx, cfg.KafkaBrokers)
	})
	if a.redisClient != nil {
		health.Register("redis", func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		})
	}
	if a.pgPool != nil {
		health.Register("postgres", a.pgPool.Ping)
	}

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      ops.NewRouter(health, a.reconciler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a, nil
}

// buildLedger constructs the configured ledger backend.
func (a *App) buildLedger(ctx context.Context) (ledger.Ledger, error) {
	switch a.cfg.LedgerBackend {
	case "redis":
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		led, err := ledger.NewRedis(ctx, a.redisClient, a.cfg.LedgerTTL)
		if err != nil {
			return nil, fmt.Errorf("init redis ledger: %w", err)
		}
		return led, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pgPool = pool
		led, err := ledger.NewPostgres(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("init postgres ledger: %w", err)
		}
		return led, nil

	default:
		return ledger.NewMemory(a.cfg.LedgerTTL), nil
	}
}

// Run starts all components and blocks until the context is canceled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, len(a.consumers)+3)

	for _, c := range a.consumers {
		c := c
		go func() {
			if err := c.Start(ctx); err != nil {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	go func() {
		if err := a.cascades.Start(ctx, a.cfg.CascadeWorkers); err != nil {
			errCh <- fmt.Errorf("cascade executor: %w", err)
		}
	}()

	if a.reconciler != nil {
		go func() {
			if err := a.reconciler.Run(ctx); err != nil {
				errCh <- fmt.Errorf("reconciler: %w", err)
			}
		}()
	}

	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components: HTTP first, then consumers
// (which drain in-flight events), then the dead-letter producer and stores.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down...")

	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := a.dlq.Close(); err != nil {
		a.logger.Error("dlq producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
