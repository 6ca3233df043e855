package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"go.uber.org/zap"

	"github.com/tiler/proxy-balancer/internal/apperr"
	"github.com/tiler/proxy-balancer/internal/cachedb"
	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/observability"
	"github.com/tiler/proxy-balancer/internal/tilecache"
)

// runServeCache is the alternate, read-only entry point (C11): it exposes
// only the tile cache reader (C8) and static files, never a worker pool, so
// a cache miss always terminates at 204 (§4.2 "cache-miss-terminal").
func runServeCache(args []string) error {
	fs := flag.NewFlagSet("serve-cache", flag.ExitOnError)
	configPath := fs.String("config", "config_app.json", "path to config_app.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger("info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cache := cachedb.New(logger)
	defer cache.CloseAll()

	app := fiber.New()
	app.Use(cors.New(cors.Config{AllowOrigins: "*"}))

	app.Static("/static", cfg.CWD)

	app.Get("/api/tile/:ds/:z/:x/:yext", func(c *fiber.Ctx) error {
		coords, ok := tilecache.ParseURI(c.Path())
		if !ok {
			return apperr.BadRequest(c, "malformed tile URI")
		}
		if coords.Z > tilecache.MaxZoom {
			return apperr.BadRequest(c, fmt.Sprintf("zoom %d exceeds maximum %d", coords.Z, tilecache.MaxZoom))
		}

		res, found, err := tilecache.ReadDisk(cfg.CWD, coords)
		if err != nil {
			if err == tilecache.ErrEmptyFile {
				return apperr.BadRequest(c, "on-disk tile file is empty")
			}
			return apperr.Internal(c, err.Error())
		}
		if found {
			return sendCachedTile(c, res)
		}

		dbPath := tilecache.CacheDBPath(cfg.CWD, coords.DataSource)
		res, found, err = tilecache.ReadCacheDB(cache, dbPath, coords)
		if err != nil {
			return apperr.Internal(c, err.Error())
		}
		if found {
			return sendCachedTile(c, res)
		}

		return apperr.CacheMissTerminal(c)
	})

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := app.Listen(listenAddr); err != nil {
			logger.Error("serve-cache: listener stopped", zap.Error(err))
		}
	}()
	logger.Info("tiler: serving cache-only", zap.String("address", listenAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	return app.Shutdown()
}

func sendCachedTile(c *fiber.Ctx, res tilecache.Result) error {
	if res.Gzipped {
		c.Set("Content-Encoding", "gzip")
	}
	c.Set("Content-Type", res.ContentType)
	return c.Send(res.Data)
}
