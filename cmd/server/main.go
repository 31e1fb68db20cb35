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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/tunecast/internal/api/handler"
	"github.com/hszk-dev/tunecast/internal/api/middleware"
	"github.com/hszk-dev/tunecast/internal/auth"
	"github.com/hszk-dev/tunecast/internal/catalogue"
	"github.com/hszk-dev/tunecast/internal/config"
	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
	"github.com/hszk-dev/tunecast/internal/hlscache"
	rediscache "github.com/hszk-dev/tunecast/internal/infrastructure/cache"
	"github.com/hszk-dev/tunecast/internal/infrastructure/download"
	"github.com/hszk-dev/tunecast/internal/infrastructure/postgres"
	"github.com/hszk-dev/tunecast/internal/infrastructure/queue"
	"github.com/hszk-dev/tunecast/internal/transcoder"
	"github.com/hszk-dev/tunecast/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// rootCtx drives background loops (eviction, lock sweep, preload
	// consumer) and is cancelled when shutdown begins.
	rootCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	pg, err := postgres.NewClient(rootCtx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pg.Close()

	userRepo := postgres.NewUserRepository(pg.Pool())
	playlistRepo := postgres.NewPlaylistRepository(pg.Pool())
	playLogRepo := postgres.NewPlayLogRepository(pg.Pool())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(rootCtx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	bindings := rediscache.NewCoverBindingCache(redisClient)

	// The broker is optional: without it preload tasks run on in-process
	// goroutines.
	var preloadQueue repository.PreloadQueue
	if mq, err := queue.NewClient(rootCtx, queue.DefaultClientConfig(cfg.RabbitMQ.URL())); err != nil {
		logger.Warn("rabbitmq unavailable, preload runs in-process", "error", err)
	} else {
		preloadQueue = mq
		defer mq.Close()
	}

	guard, err := download.NewGuard(download.GuardConfig{
		Timeout:         cfg.Download.Timeout,
		MaxSizeBytes:    cfg.Download.MaxSizeBytes,
		MaxRedirects:    cfg.Download.MaxRedirects,
		ExtraAllowHosts: cfg.Download.ExtraAllowHosts,
	})
	if err != nil {
		return fmt.Errorf("download guard: %w", err)
	}

	video := hlscache.VideoParams{Width: cfg.Transcoder.CoverWidth, Height: cfg.Transcoder.CoverHeight}
	diskCache, err := hlscache.NewDiskCache(cfg.Cache.Dir, cfg.Cache.MaxAge, video)
	if err != nil {
		return fmt.Errorf("disk cache: %w", err)
	}
	if err := os.MkdirAll(cfg.Cache.TempDir, 0o755); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}

	locks := usecase.NewLockTable()
	evictor := hlscache.NewEvictor(diskCache, locks, hlscache.EvictorConfig{
		MaxAge:      cfg.Cache.MaxAge,
		BudgetBytes: cfg.Cache.MaxSizeBytes,
		TargetRatio: cfg.Cache.CleanupToRatio,
		Interval:    cfg.Cache.CleanupInterval,
	}, logger)

	scheduler := usecase.NewScheduler(cfg.Jobs.MaxConcurrent, cfg.Jobs.MaxQueue)
	ffmpeg := transcoder.NewFFmpegTranscoder(transcoder.FFmpegConfig{
		FFmpegPath:      cfg.Transcoder.FFmpegPath,
		StallTimeout:    cfg.Transcoder.StallTimeout,
		SegmentDuration: cfg.Transcoder.SegmentDuration,
		CoverWidth:      cfg.Transcoder.CoverWidth,
		CoverHeight:     cfg.Transcoder.CoverHeight,
		CoverFPS:        cfg.Transcoder.CoverFPS,
		Threads:         cfg.Transcoder.Threads,
	}, logger)

	generator := usecase.NewGenerateService(
		scheduler, locks, diskCache, guard, ffmpeg, evictor,
		cfg.Cache.TempDir, logger,
	)

	tokens, err := auth.NewTokenIssuer(cfg.Auth.SigningKey, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	cipher, err := auth.NewCipher(cfg.Auth.SigningKey)
	if err != nil {
		return fmt.Errorf("credential cipher: %w", err)
	}

	catalogues := []catalogue.Catalogue{
		catalogue.NewNetease(cfg.Catalogue.NeteaseAPIURL, cfg.Catalogue.Timeout, cfg.Transcoder.DefaultCoverURL),
		catalogue.NewQQMusic(cfg.Catalogue.QQAPIURL, cfg.Catalogue.Timeout, cfg.Transcoder.DefaultCoverURL),
	}
	playlists := usecase.NewPlaylistService(catalogues, playlistRepo, cfg.Catalogue.PlaylistTTL, logger)
	manifests := usecase.NewManifestService(diskCache, float64(cfg.Transcoder.SegmentDuration))
	covers := usecase.NewCoverService(
		bindings, guard,
		cfg.Preload.BackgroundAPIURL, cfg.Preload.BackgroundAPITimeout,
		cfg.Transcoder.DefaultCoverURL, logger,
	)
	preloads := usecase.NewPreloadService(playlists, generator, diskCache, preloadQueue, cfg.Preload.AutoCount, cfg.Preload.ReadAheadCount, logger)

	go locks.Run(rootCtx)
	go evictor.Run(rootCtx)
	go func() {
		if err := preloads.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("preload consumer stopped", "error", err)
		}
	}()

	hls := handler.NewHLSHandler(handler.HLSDeps{
		Users:     userRepo,
		PlayLogs:  playLogRepo,
		Cipher:    cipher,
		Tokens:    tokens,
		Playlists: playlists,
		Manifests: manifests,
		Generator: generator,
		Preloads:  preloads,
		Covers:    covers,
		Cache:     diskCache,
		Scheduler: scheduler,
		Config: handler.HLSConfig{
			BaseURL:         cfg.Server.BaseURL,
			PreloadAuto:     cfg.Preload.AutoCount,
			PreloadMaxCount: cfg.Preload.MaxRequestCount,
			LegacyTokenTTL:  cfg.Auth.TokenTTL,
		},
		Logger: logger,
	})
	admin := handler.NewAdminHandler(diskCache, scheduler, handler.AdminConfigEcho{
		CacheDir:        cfg.Cache.Dir,
		MaxAgeHours:     cfg.Cache.MaxAge.Hours(),
		MaxSizeBytes:    cfg.Cache.MaxSizeBytes,
		SegmentDuration: cfg.Transcoder.SegmentDuration,
	}, logger)

	r := setupRouter(logger, cfg, pg, hls, admin)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	cancelBackground()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func setupRouter(logger *slog.Logger, cfg *config.Config, pg *postgres.Client, hls *handler.HLSHandler, admin *handler.AdminHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.Health(pg))
	r.Handle("/metrics", promhttp.Handler())

	r.Route(handler.RoutePrefix(model.SourceNetease), func(r chi.Router) {
		hls.Mount(r, model.SourceNetease)
	})
	r.Route(handler.RoutePrefix(model.SourceQQ), func(r chi.Router) {
		hls.Mount(r, model.SourceQQ)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.Admin.Enabled, cfg.Admin.Password))
		r.Get("/cache/status", admin.CacheStatus)
		r.Delete("/cache", admin.PurgeCache)
	})

	return r
}
