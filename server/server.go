package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"MuseGen/cache"
	"MuseGen/config"
	"MuseGen/core/audio"
	"MuseGen/core/delivery"
	"MuseGen/core/generation"
	"MuseGen/core/worker"
	"MuseGen/db"
	"MuseGen/logger"
	"MuseGen/metrics"
	"MuseGen/repository"
	"MuseGen/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// newRegistry 带进程和 Go 运行时指标的 registry
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serve 运行 HTTP 服务直到 ctx 结束，然后优雅关闭
func serve(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP 服务启动", logger.String("name", name), logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("正在关闭 HTTP 服务", logger.String("name", name))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", name, err)
	}
	return nil
}

// StartAPI 启动 API 服务和生成任务运行时，ctx 结束后退出。
// 执行中的任务被中断，下次启动时从检查点恢复。
func StartAPI(ctx context.Context, cfg *config.Config) error {
	if !cfg.GenerationEndpointsConfigured() {
		return errors.New("generation endpoints are not configured")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return err
	}
	defer db.CloseGormDB(gdb)

	store, err := storage.NewMinioStore(cfg)
	if err != nil {
		return err
	}

	redisClient, err := cache.ConnectRedis(cfg)
	if err != nil {
		return err
	}
	defer cache.CloseRedis()

	reg := newRegistry()
	m := metrics.New(reg)

	songRepo := repository.NewGormSongRepository(gdb)
	userRepo := repository.NewGormUserRepository(gdb)
	jobRepo := repository.NewGormJobRepository(gdb)

	resolverDeps := delivery.Deps{
		Songs:          songRepo,
		Users:          userRepo,
		Store:          store,
		Producer:       worker.NewClient(cfg.WorkerURL, cfg.WorkerAPIKey, cfg.WorkerTimeout),
		Metrics:        m,
		Expiry:         cfg.PresignExpiry,
		ProduceTimeout: cfg.WorkerTimeout,
	}
	runtimeOpts := generation.RuntimeOptions{
		Workers:              cfg.JobWorkers,
		DefaultGuidanceScale: cfg.DefaultGuidanceScale,
		DefaultAudioDuration: cfg.DefaultAudioDuration,
	}
	if redisClient != nil {
		resolverDeps.URLs = cache.NewURLCache(redisClient)
		if cfg.DistributedLock {
			runtimeOpts.Locker = cache.NewUserLock(redisClient, cfg.UserLockTTL)
		}
	}
	resolver := delivery.NewResolver(resolverDeps)

	hub := NewStatusHub()
	orch := generation.NewOrchestrator(generation.Deps{
		Songs:   songRepo,
		Users:   userRepo,
		Jobs:    jobRepo,
		Backend: generation.NewHTTPBackend(cfg.ModalKey, cfg.ModalSecret, cfg.GenerationTimeout, m),
		Endpoints: generation.Endpoints{
			FromDescription:     cfg.GenerateFromDescriptionURL,
			WithLyrics:          cfg.GenerateWithLyricsURL,
			WithDescribedLyrics: cfg.GenerateWithDescribedLyricsURL,
		},
		Notifier:    hub,
		Metrics:     m,
		StepRetries: uint64(cfg.StepMaxRetries),
		StepBackoff: cfg.StepRetryBase,
	})

	rt := generation.NewRuntime(ctx, orch, songRepo, jobRepo, runtimeOpts)
	defer rt.Abort()
	if _, err := rt.Recover(ctx); err != nil {
		return fmt.Errorf("recover generation jobs: %w", err)
	}

	router := NewAPIRouter(NewAPIHandler(rt, resolver, songRepo), hub, NewTokenVerifier(cfg.JWTSecret), m)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// 首次播放可能要等 worker 转码
		WriteTimeout: cfg.WorkerTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return serve(ctx, "api", srv)
}

// StartWorker 启动音频 worker 服务
func StartWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.WorkerAPIKey == "" {
		return errors.New("AUDIO_WORKER_API_KEY is required")
	}

	store, err := storage.NewMinioStore(cfg)
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return err
	}

	watcher, err := audio.NewWatermarkWatcher(cfg.WatermarkPath)
	if err != nil {
		return err
	}
	go watcher.Run(ctx)
	go func() {
		for ev := range watcher.Events() {
			logger.Warn("水印变化不会使已有预览失效，需要手动清理派生文件",
				logger.String("path", ev.Path),
				logger.String("op", ev.Op.String()))
		}
	}()

	reg := newRegistry()
	m := metrics.New(reg)

	svc := worker.NewService(store,
		audio.NewFFmpegTranscoder(cfg.FFmpegPath, cfg.FFprobePath, cfg.SampleRate),
		worker.Options{
			WatermarkPath:  watcher.ClipPath(),
			TempDir:        cfg.TempDir,
			Metrics:        m,
			ProcessTimeout: cfg.WorkerTimeout,
		})

	srv := &http.Server{
		Addr:              cfg.WorkerAddr,
		Handler:           NewWorkerRouter(NewWorkerHandler(svc, cfg.WorkerAPIKey), m),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WorkerTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return serve(ctx, "worker", srv)
}
