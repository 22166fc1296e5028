package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"inkreview/internal/util"
	"inkreview/pkg/configstore"
	"inkreview/pkg/queue"
	"inkreview/pkg/storage"
	"inkreview/pkg/store"
	"inkreview/services/review/internal/app"
	"inkreview/services/review/internal/config"
	"inkreview/services/review/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	if err := dataStore.DB().AutoMigrate(&configstore.LLMConfigModel{}, &configstore.PromptTemplateModel{}); err != nil {
		log.Fatalf("failed to migrate config tables: %v", err)
	}
	configs := configstore.NewGormStoreWithDB(dataStore.DB())

	manuscripts, err := storage.NewMinioSource(
		cfg.MinioEndpoint,
		cfg.MinioAccessKey,
		cfg.MinioSecretKey,
		cfg.MinioBucket,
		cfg.MinioUseSSL,
	)
	if err != nil {
		log.Fatalf("failed to init manuscript source: %v", err)
	}

	stageQueue, err := queue.New(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		log.Fatalf("failed to init stage queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:               dataStore,
		Configs:             configs,
		Manuscripts:         manuscripts,
		Queue:               stageQueue,
		LLMTimeout:          time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		TestTimeout:         time.Duration(cfg.TestTimeoutSeconds) * time.Second,
		ManuscriptCharLimit: cfg.ManuscriptCharLimit,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:              appCore,
		Configs:          configs,
		AdminTokenSecret: cfg.AdminTokenSecret,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := app.NewWorker(appCore, stageQueue, cfg.WorkerConcurrency)
	go func() {
		if err := worker.Run(ctx); err != nil {
			logger.Error("worker stopped", "err", err)
		}
	}()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("review server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
