// billingd is the metered-billing service: it serves the billing HTTP API,
// ingests payment-processor webhooks, and runs the retry worker for events
// whose references have not been provisioned yet.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campaignforge/billing/pkg/authz"
	"github.com/campaignforge/billing/pkg/billing"
	"github.com/campaignforge/billing/pkg/config"
	"github.com/campaignforge/billing/pkg/httpapi"
	"github.com/campaignforge/billing/pkg/httpserver"
	"github.com/campaignforge/billing/pkg/logger"
	"github.com/campaignforge/billing/pkg/pg"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/queue"
	"github.com/campaignforge/billing/pkg/quota"
	"github.com/campaignforge/billing/pkg/reconciler"
	"github.com/campaignforge/billing/pkg/redis"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

type appConfig struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	// PlanSource selects where the catalog loads from: "yaml" or "postgres".
	PlanSource      string        `env:"PLAN_SOURCE" envDefault:"yaml"`
	PlanCatalogPath string        `env:"PLAN_CATALOG_PATH" envDefault:"configs/plans.yaml"`
	PlanCacheTTL    time.Duration `env:"PLAN_CACHE_TTL" envDefault:"10m"`

	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL"`

	QueueConcurrency  int           `env:"QUEUE_CONCURRENCY" envDefault:"4"`
	QueuePullInterval time.Duration `env:"QUEUE_PULL_INTERVAL" envDefault:"5s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("billingd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		appCfg    appConfig
		pgCfg     pg.Config
		redisCfg  redis.Config
		paddleCfg billing.PaddleConfig
		httpCfg   httpserver.Config
	)
	for _, load := range []func() error{
		func() error { return config.Load(&appCfg) },
		func() error { return config.Load(&pgCfg) },
		func() error { return config.Load(&redisCfg) },
		func() error { return config.Load(&paddleCfg) },
		func() error { return config.Load(&httpCfg) },
	} {
		if err := load(); err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
	}

	log := logger.New(
		logger.WithService(appCfg.ServiceName),
		logger.WithLevel(parseLogLevel(appCfg.LogLevel)),
		logger.WithFormat(logger.Format(appCfg.LogFormat)),
		logger.WithContextExtractors(tenant.LoggerExtractor()),
	)
	slog.SetDefault(log)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	var src plan.Source
	switch strings.ToLower(appCfg.PlanSource) {
	case "postgres":
		src = plan.NewPGSource(pool)
	case "yaml":
		src = plan.NewYAMLSource(appCfg.PlanCatalogPath)
	default:
		return fmt.Errorf("unknown plan source %q", appCfg.PlanSource)
	}
	catalog, err := plan.NewCatalog(ctx, plan.NewCachedSource(src, rdb, appCfg.PlanCacheTTL, log))
	if err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}

	tenants := tenant.NewStore(pool)
	subs := subscription.NewStore(pool)
	ledger := quota.NewLedger(quota.NewPGCounterStore(pool), catalog, quota.StatusFromDB(pool), log)

	provider, err := billing.NewPaddleProvider(paddleCfg)
	if err != nil {
		return fmt.Errorf("initialize payment provider: %w", err)
	}

	var gatewayOpts []billing.GatewayOption
	if appCfg.CheckoutSuccessURL != "" {
		gatewayOpts = append(gatewayOpts, billing.WithSuccessURL(appCfg.CheckoutSuccessURL))
	}
	gateway := billing.NewGateway(provider, billing.NewStoreDirectory(tenants), subs, catalog, log, gatewayOpts...)

	taskRepo := queue.NewPGRepository(pool)
	enqueuer, err := queue.NewEnqueuer(taskRepo)
	if err != nil {
		return fmt.Errorf("initialize enqueuer: %w", err)
	}

	rec := reconciler.New(provider, reconciler.NewPGStore(pool), catalog, enqueuer, log)

	worker, err := queue.NewWorker(taskRepo,
		queue.WithConcurrency(appCfg.QueueConcurrency),
		queue.WithPullInterval(appCfg.QueuePullInterval),
		queue.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("initialize worker: %w", err)
	}
	worker.RegisterHandlers(rec.RetryHandler())

	handlers := httpapi.NewHandlers(rec, gateway, ledger, httpapi.NewBillingStateStore(tenants, subs), catalog, log)
	router := httpapi.NewRouter(handlers, httpapi.HeaderAuthenticator{}, authz.DefaultPolicy(), log)

	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx, router) })
	g.Go(func() error { return worker.Run(ctx) })

	log.InfoContext(ctx, "billingd started",
		slog.String("addr", httpCfg.Addr),
		slog.String("plan_source", appCfg.PlanSource))

	return g.Wait()
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
