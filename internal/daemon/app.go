// SPDX-License-Identifier: MIT

// Package daemon assembles the gateway process: store, rate limiter, HTTP
// server, dispatcher, reaper, device sweeper and webhook delivery, all run
// under one errgroup and stopped together on signal.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/getouch/smsgw/internal/api"
	"github.com/getouch/smsgw/internal/config"
	"github.com/getouch/smsgw/internal/dispatch"
	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/ratelimit"
	"github.com/getouch/smsgw/internal/router"
	"github.com/getouch/smsgw/internal/store"
	"github.com/getouch/smsgw/internal/webhook"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 10 * time.Second

// App is the assembled gateway.
type App struct {
	cfg config.Config
	db  *store.DB
}

// New connects the store and, when configured, runs migrations.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if cfg.AutoMigrate {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}

	db, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, db: db}, nil
}

// Run starts all components and blocks until ctx is cancelled or a component
// fails.
func (a *App) Run(ctx context.Context) error {
	defer a.db.Close()
	logger := log.WithComponent("daemon")

	limiter := a.buildLimiter()
	events := webhook.New(a.db, a.cfg.WebhookQueueSize, a.cfg.WebhookTimeout)
	rt := router.New(a.db)
	sweeper := router.NewSweeper(a.db, a.cfg.DeviceStaleAfter, a.cfg.DeviceSweepEvery)
	reaper := dispatch.NewReaper(a.db, a.cfg.StaleProcessing, a.cfg.PollInterval)

	apiSrv := api.New(a.cfg, a.db, limiter, events)
	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           apiSrv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("event", "daemon.listening").
			Str("addr", a.cfg.Listen).
			Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return ignoreCancel(events.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(apiSrv.RunBackground(gctx)) })
	g.Go(func() error { return ignoreCancel(sweeper.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(reaper.Run(gctx)) })

	// Push-mode dispatcher only runs when an adapter is configured; a
	// pull-only deployment leaves the queue to device pulls.
	if a.cfg.AdapterURL != "" {
		sender := dispatch.NewHTTPAdapter(a.cfg.AdapterURL, a.cfg.SendTimeout)
		worker := dispatch.New(dispatch.Config{
			PollInterval:    a.cfg.PollInterval,
			BatchSize:       a.cfg.BatchSize,
			SendTimeout:     a.cfg.SendTimeout,
			StaleProcessing: a.cfg.StaleProcessing,
		}, a.db, rt, sender, events)
		g.Go(func() error { return ignoreCancel(worker.Run(gctx)) })
	} else {
		logger.Info().
			Str("event", "daemon.pull_only").
			Msg("no adapter configured, running in pull-only mode")
	}

	err := g.Wait()
	logger.Info().Str("event", "daemon.stopped").Msg("gateway stopped")
	return err
}

// buildLimiter picks the Redis limiter when an address is configured, the
// in-process one otherwise.
func (a *App) buildLimiter() ratelimit.Limiter {
	if a.cfg.RedisAddr == "" {
		return ratelimit.NewMemory()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
	})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.redis_limiter").
		Str("addr", a.cfg.RedisAddr).
		Msg("using redis rate limiter")
	return ratelimit.NewRedis(client)
}

// ignoreCancel filters the expected shutdown error.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
