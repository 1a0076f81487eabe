package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/wingman/internal/bot"
	"github.com/xaenox/wingman/internal/embedding"
	"github.com/xaenox/wingman/internal/logger"
	"github.com/xaenox/wingman/internal/memory"
	"github.com/xaenox/wingman/internal/ops"
	"github.com/xaenox/wingman/internal/storage"
	"github.com/xaenox/wingman/internal/topics"
	"github.com/xaenox/wingman/pkg/config"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("WINGMAN_CONFIG"), "path to an optional config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	// Initialize logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer log.Sync()

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store := storage.NewManager(cfg.Database, cfg.App.Env, log)
	defer store.Close()

	if cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to apply database schema", zap.Error(err))
		}
	}
	if !store.HealthCheck(ctx) {
		log.Warn("Database is not reachable yet, continuing")
	}

	embedder, err := embedding.New(cfg.Embedding, log)
	if err != nil {
		log.Fatal("Failed to create embedder", zap.Error(err))
	}
	if cached, ok := embedder.(*embedding.CachedEmbedder); ok {
		defer cached.Close()
	}

	var extractor topics.Extractor = topics.NewKeywordExtractor(cfg.Topics.Max)
	if cfg.OpenAI.APIKey != "" {
		extractor = topics.NewGPTExtractor(cfg.OpenAI, cfg.Topics.Max, log)
	}

	svc := memory.NewService(store, embedder, extractor, log)

	errs := make(chan error, 2)

	opsServer := ops.NewServer(cfg.Ops.Addr, store, log)
	go func() { errs <- opsServer.Start() }()

	if cfg.Telegram.Token != "" {
		b, err := bot.New(cfg.Telegram.Token, svc, log)
		if err != nil {
			log.Fatal("Failed to create bot", zap.Error(err))
		}
		go func() { errs <- b.Start(ctx) }()
	} else {
		log.Info("telegram.token is not set, Telegram collector disabled")
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errs:
		if err != nil {
			log.Error("Component stopped", zap.Error(err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to stop ops server", zap.Error(err))
	}
}
