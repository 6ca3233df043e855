package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/admission"
	"github.com/tiler/proxy-balancer/internal/cachedb"
	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/datasource"
	"github.com/tiler/proxy-balancer/internal/datastore"
	"github.com/tiler/proxy-balancer/internal/jobqueue"
	"github.com/tiler/proxy-balancer/internal/jobrunner"
	"github.com/tiler/proxy-balancer/internal/observability"
	"github.com/tiler/proxy-balancer/internal/pyramidtracker"
	"github.com/tiler/proxy-balancer/internal/reloader"
	"github.com/tiler/proxy-balancer/internal/router"
	"github.com/tiler/proxy-balancer/internal/workerpool"
)

// runServe is the full proxy: worker pool, admission control, tile cache,
// job queue/runner, scheduled reloader, and the public HTTP front-end
// (§2 C4/C2/C8/C6/C7/C5/C9/C10). Passing --address switches the node into
// master mode (§6).
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config_app.json", "path to config_app.json")
	address := fs.String("address", "", "externally reachable host:port; presence enables master mode")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *address != "" {
		cfg.Server.Master = true
		cfg.Server.Address = *address
	}

	logger, err := observability.NewLogger("info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	shutdownOtel, err := observability.SetupOpenTelemetry("tiler", logger)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer shutdownOtel()

	metrics := observability.NewMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := datastore.Open(ctx, cfg.PostgresURL())
	cancel()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("serve: nats connect failed, falling back to pure polling", zap.Error(err))
			natsConn = nil
		} else {
			defer natsConn.Close()
		}
	}

	cache := cachedb.New(logger)

	tracker, err := pyramidtracker.Open(filepath.Join(cfg.CWD, "data", "tiler.db"))
	if err != nil {
		return fmt.Errorf("open pyramid tracker: %w", err)
	}
	defer tracker.Close()

	datasources := datasource.New(cfg, db, cache, redisClient, logger)
	admissionSvc := admission.New(cfg.Server.MaxConcurrentTileRequests)

	pool, err := workerpool.New(cfg, tracker, logger)
	if err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	queue := jobqueue.New(db, natsConn, logger)
	runner := jobrunner.New(cfg, queue, datasources, pool, cache, natsConn, logger)
	runner.Start()
	defer runner.Stop()

	reload := reloader.New(cfg, pool, tracker, logger)
	reload.Start()
	defer reload.Stop()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("router: unhandled error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"status": 500, "message": "internal error"})
		},
	})
	router.SetupMiddleware(app, logger, metrics)
	router.Register(app, &router.Deps{
		Cfg:         cfg,
		Pool:        pool,
		Admission:   admissionSvc,
		Datasources: datasources,
		Cache:       cache,
		Queue:       queue,
		Logger:      logger,
		Metrics:     metrics,
	})

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := app.Listen(listenAddr); err != nil {
			logger.Error("router: listener stopped", zap.Error(err))
		}
	}()
	logger.Info("tiler: serving", zap.String("address", listenAddr), zap.Bool("master", cfg.Server.Master))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("tiler: shutting down")
	// §5 Cancellation: close cache-DB handles and terminate workers, then
	// let in-flight flushes settle before exiting.
	cache.CloseAll()
	pool.TerminateWorkers()
	time.Sleep(3 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("tiler: fiber shutdown error", zap.Error(err))
	}

	return nil
}
