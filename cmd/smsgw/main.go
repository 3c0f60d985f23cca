// SPDX-License-Identifier: MIT

// Command smsgw runs the SMS gateway: HTTP API, outbound dispatcher, device
// sweeper and webhook delivery in a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/getouch/smsgw/internal/config"
	"github.com/getouch/smsgw/internal/daemon"
	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until config is loaded.
	log.Configure(log.Config{Level: "info", Service: "smsgw", Version: version.Version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "smsgw", Version: version.Version})
	logger.Info().
		Str("event", "config.loaded").
		Str("listen", cfg.Listen).
		Bool("auto_migrate", cfg.AutoMigrate).
		Msg("configuration loaded")

	if *migrateOnly {
		if err := storeMigrate(cfg); err != nil {
			logger.Fatal().Err(err).Str("event", "migrate.failed").Msg("migration failed")
		}
		return
	}

	app, err := daemon.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.init_failed").Msg("failed to start gateway")
	}
	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.run_failed").Msg("gateway exited with error")
	}
}

func storeMigrate(cfg config.Config) error {
	return store.Migrate(cfg.DatabaseURL)
}
