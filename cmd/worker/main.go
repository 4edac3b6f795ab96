// Command worker runs the task-processing queue worker, the overdue sweeper
// and the ops HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/huykn/taskcore"
	"github.com/huykn/taskcore/config"
	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/metrics"
	"github.com/huykn/taskcore/ops"
	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/ratelimit"
	"github.com/huykn/taskcore/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logging.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	logger := logging.Adapt(zl.With(zap.String("app", cfg.App.Name)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(metrics.Options{Registerer: reg})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	coreCfg := cfg.Core(logger)
	coreCfg.Metrics = m
	core, err := taskcore.New(ctx, coreCfg)
	if err != nil {
		return fmt.Errorf("init core: %w", err)
	}
	defer func() { _ = core.Close() }()
	reg.MustRegister(metrics.NewCacheCollector("taskcore", core.Cache.Stats))

	if cfg.Postgres.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewTaskStore(pool)

	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	worker, err := core.NewWorker(repo, notifier, cfg.WorkerOptions())
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	adminRule, err := cfg.DefaultRule()
	if err != nil {
		return fmt.Errorf("rate limit rule: %w", err)
	}
	rules, err := ratelimit.NewRules(adminRule)
	if err != nil {
		return fmt.Errorf("rate limit rules: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.App.OpsAddr,
		Handler: ops.NewRouter(ops.Deps{
			Pinger:   core,
			Queue:    core.Queue,
			Gatherer: reg,
			Limiter:  core.Limiter,
			Rules:    rules,
			KeyFunc:  ratelimit.ClientIP(cfg.RateLimit.TrustProxy),
			Auth:     core.Revoker.Middleware,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var sweeper *queue.OverdueSweeper
	if cfg.Sweep.Enabled {
		if sweeper, err = core.NewSweeper(repo, cfg.SweeperOptions()); err != nil {
			return fmt.Errorf("sweeper: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started", "version", taskcore.Version, "queue", core.Queue.Name(),
		"concurrency", cfg.Queue.Concurrency, "sweep", cfg.Sweep.Enabled)
	return g.Wait()
}

func newNotifier(cfg *config.Config, logger logging.Logger) (queue.Notifier, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Warn("no kafka brokers configured, overdue notifications are only logged")
		return queue.NewLogNotifier(logger), func() {}, nil
	}

	producer, err := queue.NewKafkaProducer(cfg.Kafka.Brokers)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	n := queue.NewKafkaNotifier(producer, cfg.Kafka.Topic, logger)
	return n, func() { _ = n.Close() }, nil
}
