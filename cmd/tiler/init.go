package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tiler/proxy-balancer/internal/config"
	"github.com/tiler/proxy-balancer/internal/datastore"
	"github.com/tiler/proxy-balancer/internal/pyramidtracker"
)

// runInit bootstraps the on-disk layout from §6: data/, data/mosaics/,
// logs/, datasources/{vector,raster}/, scripts/, plus the embedded pyramid
// tracker at data/tiler.db and the relational schema migrations.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "config_app.json", "path to config_app.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dirs := []string{
		filepath.Join(cfg.CWD, "data", "mosaics"),
		filepath.Join(cfg.CWD, "logs"),
		filepath.Join(cfg.CWD, "datasources", "vector"),
		filepath.Join(cfg.CWD, "datasources", "raster"),
		filepath.Join(cfg.CWD, "tiles"),
		filepath.Join(cfg.CWD, "scripts"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	tracker, err := pyramidtracker.Open(filepath.Join(cfg.CWD, "data", "tiler.db"))
	if err != nil {
		return fmt.Errorf("init pyramid tracker: %w", err)
	}
	defer tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := datastore.Open(ctx, cfg.PostgresURL())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations("migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	fmt.Println("tiler: initialized directory layout and database")
	return nil
}
