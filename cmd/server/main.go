package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"offline-reader/internal/config"
	"offline-reader/internal/domain"
	"offline-reader/internal/downloader"
	"offline-reader/internal/fetcher"
	apphttp "offline-reader/internal/http"
	"offline-reader/internal/repository"
	"offline-reader/internal/repository/sqlite"
	"offline-reader/internal/service"
	"offline-reader/internal/source"
	"offline-reader/internal/transcode"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.RegisterPassword) == "" {
		logger.Fatalf("auth registration password is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Download.DataRoot, 0o755); err != nil {
		logger.Fatalf("create download root: %v", err)
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	completions := sqlite.NewCompletionStore(db)
	checkpoints := sqlite.NewCheckpointStore(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := completions.Init(ctx); err != nil {
		logger.Fatalf("init completion store: %v", err)
	}
	if err := checkpoints.Init(ctx); err != nil {
		logger.Fatalf("init checkpoint store: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	if restored, err := repository.RebuildFromSidecars(ctx, cfg.Download.DataRoot, completions, logger); err != nil {
		logger.Warnf("rebuild registry from sidecars: %v", err)
	} else if restored > 0 {
		logger.Infof("restored %d completion records from sidecars", restored)
	}

	adapters := source.NewRegistry()
	for key, baseURL := range cfg.Sources {
		adapters.Register(key, source.NewCatalogAdapter(source.CatalogConfig{
			BaseURL: baseURL,
			Logger:  logger,
		}))
	}
	logger.Infof("registered sources: %v", adapters.Keys())

	cookies := source.NewCookieCache(cfg.CookieTTL(), logger)

	itemCfg := fetcher.ItemConfig{
		FanOut:              cfg.Download.FanOut,
		Attempts:            cfg.Download.RetryAttempts,
		RetryDelay:          cfg.RetryDelay(),
		CompletionThreshold: cfg.Download.CompletionThreshold,
		Cookies:             cookies,
		Logger:              logger,
	}

	var transcoder *transcode.Client
	if cfg.Transcoder.BaseURL != "" {
		transcoder = transcode.NewClient(cfg.Transcoder.BaseURL, 15*time.Second, logger)
	}

	comics := downloader.NewManager(downloader.Config{
		Medium:        domain.MediumComic,
		DataRoot:      cfg.Download.DataRoot,
		MaxConcurrent: cfg.Download.ComicsMaxConcurrent,
		Logger:        logger,
	}, adapters, completions, nil, fetcher.NewItemFetcher(itemCfg))

	videos := downloader.NewManager(downloader.Config{
		Medium:        domain.MediumVideo,
		DataRoot:      cfg.Download.DataRoot,
		MaxConcurrent: cfg.Download.VideosMaxConcurrent,
		Logger:        logger,
	}, adapters, completions, nil, fetcher.NewMediaFetcher(fetcher.MediaConfig{
		Transcoder:   transcoder,
		PollInterval: cfg.PollInterval(),
		PollTimeout:  cfg.PollTimeout(),
		Logger:       logger,
	}))

	books := downloader.NewManager(downloader.Config{
		Medium:        domain.MediumBook,
		DataRoot:      cfg.Download.DataRoot,
		MaxConcurrent: cfg.Download.BooksMaxConcurrent,
		Logger:        logger,
	}, adapters, completions, checkpoints, fetcher.NewChapterSetFetcher(fetcher.ChapterConfig{
		ItemConfig:  itemCfg,
		Checkpoints: checkpoints,
	}))

	managers := map[domain.Medium]downloader.Manager{
		domain.MediumComic: comics,
		domain.MediumVideo: videos,
		domain.MediumBook:  books,
	}

	if cps, err := books.PendingResumes(ctx); err != nil {
		logger.Warnf("list pending resumes: %v", err)
	} else {
		for _, cp := range cps {
			logger.Infof("book %s resumable at unit %d/%d", cp.ParentID, cp.CompletedUnitIndex, cp.TotalUnits)
		}
	}

	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(
		managers,
		userService,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	for _, m := range managers {
		m.Shutdown()
	}

	logger.Info("bye")
}
