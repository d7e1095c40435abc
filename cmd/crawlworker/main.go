// Package main wires together the crawl worker binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/api"
	"github.com/crawlfeed/worker/internal/clock/system"
	"github.com/crawlfeed/worker/internal/config"
	"github.com/crawlfeed/worker/internal/feed"
	"github.com/crawlfeed/worker/internal/hash/sha256"
	"github.com/crawlfeed/worker/internal/id/uuid"
	"github.com/crawlfeed/worker/internal/logging"
	"github.com/crawlfeed/worker/internal/logship"
	"github.com/crawlfeed/worker/internal/page"
	"github.com/crawlfeed/worker/internal/redirect"
	"github.com/crawlfeed/worker/internal/scheduler"
	"github.com/crawlfeed/worker/internal/scripts"
	"github.com/crawlfeed/worker/internal/state"
	"github.com/crawlfeed/worker/internal/store"
	"github.com/crawlfeed/worker/internal/submit"
	"github.com/crawlfeed/worker/internal/telemetry"
	"github.com/crawlfeed/worker/internal/trust"
	"github.com/crawlfeed/worker/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	idGen := uuid.New()
	instanceID, err := idGen.NewID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate instance id failed: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(zap.String("instance_id", instanceID))
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()

	kv, err := store.OpenBadger(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		logger.Fatal("open state store failed", zap.Error(err))
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			logger.Error("state store close failed", zap.Error(closeErr))
		}
	}()

	clock := system.New()
	hasher := sha256.New()

	feedClient := feed.New(feed.Config{
		BaseURL: cfg.Feed.BaseURL,
		APIKey:  cfg.Feed.APIKey,
		Timeout: cfg.FeedTimeout(),
	}, logger.Named("feed"))

	gate := trust.New(kv, feedClient, clock, logger.Named("trust"))
	tracker := state.New(kv, clock, logger.Named("state"))

	cache, err := scripts.Load(ctx, kv, logger.Named("scripts"))
	if err != nil {
		logger.Fatal("load script cache failed", zap.Error(err))
	}

	browser := page.NewBrowser(page.BrowserConfig{
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
	}, logger.Named("browser"))
	defer browser.Close()

	controller := page.NewController(logger.Named("page"))

	detector := redirect.New(redirect.Config{
		MinTextLength: cfg.Detector.MinTextLength,
		MaxWait:       time.Duration(cfg.Detector.MaxWaitSeconds) * time.Second,
		PollInterval:  time.Duration(cfg.Detector.PollIntervalMs) * time.Millisecond,
		SettleDelay:   time.Duration(cfg.Detector.SettleDelayMs) * time.Millisecond,
	}, logger.Named("redirect"))

	submitter := submit.New(feedClient, submit.Config{
		MaxAttempts:    cfg.Worker.SubmitAttempts,
		AttemptTimeout: time.Duration(cfg.Worker.SubmitTimeoutSec) * time.Second,
	}, logger.Named("submit"))

	shipper := logship.New(feedClient, logship.Config{
		MaxBatch:      cfg.LogShip.MaxBatch,
		FlushInterval: time.Duration(cfg.LogShip.FlushIntervalSec) * time.Second,
		BufferCap:     cfg.LogShip.BufferCap,
	}, logger.Named("logship"))

	prober := worker.NewHTTPProber(10*time.Second, cfg.Browser.UserAgent)

	orchestrator := worker.New(
		feedClient,
		gate,
		cache,
		browser,
		controller,
		detector,
		submitter,
		tracker,
		prober,
		shipper,
		hasher,
		clock,
		worker.Config{
			BatchLimit:         cfg.Poll.BatchLimit,
			MaxClaimAgeSec:     cfg.Poll.MaxClaimAgeSec,
			LoadTimeout:        time.Duration(cfg.Worker.LoadTimeoutSec) * time.Second,
			ConditionTimeout:   time.Duration(cfg.Worker.ConditionTimeoutSec) * time.Second,
			ExtractTimeout:     time.Duration(cfg.Worker.ExtractTimeoutSec) * time.Second,
			AutoApproveDomains: cfg.Worker.AutoApproveDomains,
		},
		logger.Named("worker"),
	)

	sched := scheduler.New(orchestrator, cfg.PollInterval(), logger.Named("scheduler"))
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("start scheduler failed", zap.Error(err))
	}

	apiServer := api.NewServer(tracker, gate, sched, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sched.Stop()
	shipper.Close(shutdownCtx)
	logger.Info("shutdown complete")
}
