package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collapsinghierarchy/veilbox/config"
	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/pkc/keycodec"
	"github.com/collapsinghierarchy/veilbox/routes"
	"github.com/collapsinghierarchy/veilbox/service"
	"github.com/collapsinghierarchy/veilbox/store"
	"github.com/collapsinghierarchy/veilbox/store/memory"
	"github.com/collapsinghierarchy/veilbox/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "veilboxd:", err)
		os.Exit(1)
	}
}

func run() error {
	//----------------------------------------------------------------------
	// 1. config (flags, .env, YAML, env overrides)
	//----------------------------------------------------------------------
	cfgPath := flag.String("config", os.Getenv("VEILBOX_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "optional KEY=VALUE file loaded before the config")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile, false); err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//----------------------------------------------------------------------
	// 2. storage (Postgres or in-memory)
	//----------------------------------------------------------------------
	var (
		st  store.Store
		ids store.Identity
	)
	switch cfg.Storage.Driver {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgxpool.New: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(connectCtx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st, ids = postgres.NewStore(pool), postgres.NewIdentity(pool)
	default:
		log.Warn("using in-memory storage, submissions are lost on restart")
		st, ids = memory.NewStore(), memory.NewIdentity()
	}

	//----------------------------------------------------------------------
	// 3. keys → service → scheduler
	//----------------------------------------------------------------------
	codec, err := keycodec.New(keycodec.Options{
		Family:   keycodec.Family(cfg.Keys.Family),
		RSABits:  cfg.Keys.RSABits,
		Oversize: keycodec.OversizePolicy(cfg.Keys.Oversize),
	})
	if err != nil {
		return err
	}
	svc, err := service.New(st, ids, codec, service.Options{
		Mode:                    model.SealingMode(cfg.Policy.SealingMode),
		EnforceSingleSubmission: cfg.Policy.EnforceSingleSubmission,
		MaxContentBytes:         cfg.Limits.MaxContentBytes,
		Visibility: service.VisibilityPolicy{
			BatchThreshold: cfg.Visibility.BatchThreshold,
			MinDelay:       cfg.Visibility.MinDelay,
			MaxDelay:       cfg.Visibility.MaxDelay,
			PollInterval:   cfg.Visibility.PollInterval,
			RetryBackoff:   cfg.Visibility.RetryBackoff,
		},
	}, log)
	if err != nil {
		return err
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- svc.Run(ctx) }()

	//----------------------------------------------------------------------
	// 4. HTTP server with graceful shutdown
	//----------------------------------------------------------------------
	api := routes.New(svc, ids, routes.Options{
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		SharedSecret: []byte(cfg.Auth.SharedSecret),
		Log:          log,
	})
	srv := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("veilbox listening",
			"addr", cfg.HTTP.ListenAddr,
			"storage", cfg.Storage.Driver,
			"keyFamily", cfg.Keys.Family,
			"sealingMode", cfg.Policy.SealingMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	api.SetReady(true)

	// CTRL-C → graceful stop
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
	}

	log.Info("shutting down")
	api.SetReady(false)
	time.Sleep(cfg.HTTP.DrainDuration)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	stop()
	return <-schedDone
}
