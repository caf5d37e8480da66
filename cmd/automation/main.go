package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/listing-automation/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/listing-automation/internal/adapter/oauth"
	"github.com/smallbiznis/listing-automation/internal/adapter/profile"
	"github.com/smallbiznis/listing-automation/internal/bootstrap"
	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/health"
	httptransport "github.com/smallbiznis/listing-automation/internal/http"
	"github.com/smallbiznis/listing-automation/internal/http/handler"
	apimiddleware "github.com/smallbiznis/listing-automation/internal/middleware"
	"github.com/smallbiznis/listing-automation/internal/repository"
	"github.com/smallbiznis/listing-automation/internal/scheduler"
	"github.com/smallbiznis/listing-automation/internal/server"
	"github.com/smallbiznis/listing-automation/internal/telemetry"
	"github.com/smallbiznis/listing-automation/internal/token"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newCredentialRepository,
			newAutomationConfigRepository,
			newJobExecutionRepository,
			newQueuedPostRepository,
			newRedisClient,
			newCredentialCache,
			newAuthorityClient,
			newProfileClient,
			newIssuer,
			newTokenManager,
			newHealthMonitor,
			newScheduler,
			newRateLimiter,
			handler.NewAutomationHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(
			useTelemetry,
			bootstrap.WarmCredentialCache,
			startTokenManager,
			startHealthMonitor,
			startScheduler,
			startHTTPServer,
		),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newCredentialRepository(pool *pgxpool.Pool) repository.CredentialRepository {
	return repository.NewPostgresCredentialRepo(pool)
}

func newAutomationConfigRepository(pool *pgxpool.Pool) repository.AutomationConfigRepository {
	return repository.NewPostgresAutomationConfigRepo(pool)
}

func newJobExecutionRepository(pool *pgxpool.Pool) repository.JobExecutionRepository {
	return repository.NewPostgresJobExecutionRepo(pool)
}

func newQueuedPostRepository(pool *pgxpool.Pool) repository.QueuedPostRepository {
	return repository.NewPostgresQueuedPostRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newCredentialCache(client redis.UniversalClient, cfg config.Config) token.CredentialCache {
	return cacheadapter.NewRedisCredentialCache(client, cfg.CredentialCacheTTL)
}

func newAuthorityClient(cfg config.Config) oauthadapter.AuthorityClient {
	return oauthadapter.NewHTTPAuthorityClient(nil, cfg)
}

func newProfileClient(cfg config.Config) profile.Client {
	return profile.NewHTTPClient(nil, cfg)
}

// newIssuer returns no issuer: refresh secrets come from the cache or the
// durable store, and new ones only from the owner re-authorizing.
func newIssuer() token.Issuer {
	return nil
}

func newTokenManager(
	store repository.CredentialRepository,
	cache token.CredentialCache,
	issuer token.Issuer,
	authority oauthadapter.AuthorityClient,
	cfg config.Config,
	logger *zap.Logger,
) *token.Manager {
	return token.NewManager(store, cache, issuer, authority, cfg, logger)
}

func newHealthMonitor(
	tokens *token.Manager,
	authority oauthadapter.AuthorityClient,
	store repository.CredentialRepository,
	cfg config.Config,
	logger *zap.Logger,
) *health.Monitor {
	return health.NewMonitor(tokens, authority, store, cfg, logger)
}

func newScheduler(
	configs repository.AutomationConfigRepository,
	records repository.JobExecutionRepository,
	posts repository.QueuedPostRepository,
	tokens *token.Manager,
	executor profile.Client,
	monitor *health.Monitor,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *scheduler.Scheduler {
	return scheduler.NewScheduler(configs, records, posts, tokens, executor, monitor, node, cfg, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startTokenManager(lc fx.Lifecycle, manager *token.Manager) {
	runLoop(lc, func(ctx context.Context) { manager.Run(ctx) })
}

func startHealthMonitor(lc fx.Lifecycle, monitor *health.Monitor) {
	runLoop(lc, func(ctx context.Context) { monitor.Run(ctx) })
}

func startScheduler(lc fx.Lifecycle, sched *scheduler.Scheduler) {
	runLoop(lc, func(ctx context.Context) { sched.Run(ctx) })
}

// runLoop runs a blocking loop in the background for the lifetime of the app.
func runLoop(lc fx.Lifecycle, run func(ctx context.Context)) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				run(runCtx)
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
