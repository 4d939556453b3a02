package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v2"

	"media-gateway/internal/extractor/youtube"
	"media-gateway/internal/gc"
	"media-gateway/internal/mergetool"
	"media-gateway/internal/metacache"
	"media-gateway/internal/orchestrator"
	"media-gateway/internal/pipeline"
	"media-gateway/internal/platform/config"
	"media-gateway/internal/platform/logger"
	"media-gateway/internal/platform/metrics"
	"media-gateway/internal/relay"
	"media-gateway/internal/session"
	"media-gateway/internal/tempstore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "media-gateway",
		Usage: "resolve, relay and merge media downloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "load environment from `FILE` if it exists",
			},
		},
		Before: func(c *cli.Context) error {
			_ = config.Load(c.String("env-file"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server (default)",
				Action: serve,
			},
			{
				Name:   "sweep",
				Usage:  "remove every subtree of the temp root and exit",
				Action: sweep,
			},
		},
		Action:          serve,
		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(_ *cli.Context) error {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	temp, err := tempstore.New(cfg.TempRoot, cfg.TempMaxBytes)
	if err != nil {
		return err
	}
	reg := session.NewRegistry()
	collector := gc.New(reg, temp, gc.Config{
		Interval:        cfg.GCInterval,
		StaleAfter:      cfg.StaleAfter,
		DisconnectAfter: cfg.DisconnectAfter,
		Retention:       cfg.SessionRetention,
		AckTimeout:      cfg.ReclaimAckTimeout,
	}, log, met)

	// Nothing in the temp root belongs to this process yet.
	if _, err := collector.StartupSweep(); err != nil {
		log.Warn("startup sweep incomplete", slog.String("error", err.Error()))
	}

	var store metacache.Store = metacache.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := metacache.NewRedisStore(ctx, metacache.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			return fmt.Errorf("metadata cache: %w", err)
		}
		defer rs.Close()
		store = rs
		log.Info("metadata cache backed by redis", slog.String("addr", cfg.RedisAddr))
	}
	cache := metacache.New(youtube.New(nil, log), store, metacache.Config{
		TTL:            cfg.CacheTTL,
		SweepInterval:  cfg.CacheSweepInterval,
		ResolveTimeout: cfg.ResolveTimeout,
	}, log, met)

	streamer := relay.New(nil, cfg.ChunkSize, log, met)
	ffmpeg := mergetool.NewFFmpeg(cfg.FFmpegPath, log)
	if v, err := ffmpeg.Version(ctx); err != nil {
		log.Warn("merge tool unavailable; merged downloads will fail", slog.String("path", cfg.FFmpegPath), slog.String("error", err.Error()))
	} else {
		log.Info("merge tool found", slog.String("version", v))
	}

	merger := pipeline.New(pipeline.Deps{
		Registry: reg,
		Temp:     temp,
		Relay:    streamer,
		Tool:     ffmpeg,
		Logger:   log,
		Metrics:  met,
		Reclaim:  collector.Request,
	}, pipeline.Config{
		MaxSessions:      cfg.MaxSessions,
		AcquireTimeout:   cfg.AcquireTimeout,
		MergeTimeoutMax:  cfg.MergeTimeoutMax,
		ProgressInterval: cfg.ProgressInterval,
	})

	svc := orchestrator.NewService(orchestrator.Deps{
		Resolver:         cache,
		Merger:           merger,
		Streamer:         streamer,
		Registry:         reg,
		Prober:           ffmpeg,
		Logger:           log,
		Metrics:          met,
		ProgressInterval: cfg.ProgressInterval,
	})
	h := orchestrator.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(reg.ActiveCount())
			met.SetTempReserved(temp.Reserved())
		}).ServeHTTP(w, r)
	})
	h.Routes(r, cfg.RateLimitPerMinute)

	go collector.Run(ctx)
	go cache.Run(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("server starting",
		slog.String("port", cfg.Port),
		slog.String("temp_root", cfg.TempRoot),
		slog.Int("max_sessions", cfg.MaxSessions),
		slog.String("log_level", cfg.LogLevel),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}
	if err := merger.Close(shutdownCtx); err != nil {
		log.Warn("merge workers still running at exit", slog.String("error", err.Error()))
	}
	if _, err := temp.Sweep(nil, time.Time{}); err != nil {
		log.Warn("temp cleanup incomplete", slog.String("error", err.Error()))
	}

	log.Info("server stopped")
	return nil
}

func sweep(_ *cli.Context) error {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	temp, err := tempstore.New(cfg.TempRoot, 0)
	if err != nil {
		return err
	}
	removed, err := temp.Sweep(nil, time.Time{})
	log.Info("temp root swept", slog.String("temp_root", cfg.TempRoot), slog.Int("removed", len(removed)))
	return err
}
