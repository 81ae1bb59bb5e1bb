package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finrag/finrag/config"
	"github.com/finrag/finrag/embedcache"
	"github.com/finrag/finrag/history"
	"github.com/finrag/finrag/ingest"
	"github.com/finrag/finrag/llm"
	"github.com/finrag/finrag/llm/claude"
	"github.com/finrag/finrag/llm/gemini"
	"github.com/finrag/finrag/llm/openai"
	"github.com/finrag/finrag/mcp"
	"github.com/finrag/finrag/pipeline"
	"github.com/finrag/finrag/pkg/logging"
	"github.com/finrag/finrag/pkg/telemetry"
	"github.com/finrag/finrag/retrieval"
	"github.com/finrag/finrag/server"
	"github.com/finrag/finrag/store"
	"github.com/finrag/finrag/vector"
	"github.com/finrag/finrag/websearch"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		logging.Logger().Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		return err
	}
	var embedder vector.Embedder = openai.NewEmbedder(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.EmbedModel, cfg.EmbedDimension, cfg.EmbedTimeout)

	// Process-wide cap on concurrent model invocations.
	gate := llm.NewGate(cfg.ModelCallLimit)
	client = gate.Limit(client)
	embedder = gate.LimitEmbedder(embedder)

	if cfg.RedisAddr != "" {
		cache := embedcache.New(embedder, embedcache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.EmbedCacheTTL,
		})
		defer cache.Close()
		embedder = cache
		logger.Info("embedding cache enabled", "addr", cfg.RedisAddr)
	}

	docs, err := store.NewPGStore(cfg.DatabaseURL, cfg.EmbedModel, cfg.EmbedDimension)
	if err != nil {
		return err
	}
	defer docs.Close()
	if err := docs.VerifyEmbeddingModel(ctx); err != nil {
		return err
	}

	retriever := retrieval.New(docs, embedder,
		retrieval.WithTopK(cfg.DefaultTopK),
		retrieval.WithFetchFactor(cfg.FetchFactor),
		retrieval.WithMMRLambda(cfg.MMRLambda),
	)

	pipelineOpts := []pipeline.Option{
		pipeline.WithDefaultTopK(cfg.DefaultTopK),
		pipeline.WithMaxSubQueries(cfg.MaxSubQueries),
		pipeline.WithMaxReflexionRounds(cfg.MaxReflexionRounds),
		pipeline.WithTimeouts(cfg.ClassifyTimeout, cfg.SearchTimeout, cfg.GenerateTimeout),
	}
	if cfg.WebSearchAPIKey != "" {
		pipelineOpts = append(pipelineOpts, pipeline.WithWebSearch(websearch.NewTavily(websearch.TavilyConfig{
			APIKey:     cfg.WebSearchAPIKey,
			Endpoint:   cfg.WebSearchEndpoint,
			MaxResults: cfg.WebSearchMaxResults,
			Timeout:    cfg.WebSearchTimeout,
		})))
		logger.Info("web search fallback enabled")
	}
	orchestrator, err := pipeline.New(client, retriever, pipelineOpts...)
	if err != nil {
		return err
	}

	var hist history.Store
	if cfg.MongoURI != "" {
		mongoStore, err := history.NewMongoStore(history.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
		if err != nil {
			return err
		}
		defer mongoStore.Close(context.Background())
		hist = mongoStore
		logger.Info("query history enabled", "database", cfg.MongoDatabase)
	}

	ingester := ingest.New(docs, embedder, cfg.IngestWorkers)
	srv := server.New(orchestrator, ingester, docs, hist, cfg.UploadDir,
		server.WithLLMInfo(cfg.LLMProvider+"/"+cfg.LLMModel))

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(orchestrator, hist, version)
		go func() {
			if err := mcp.Run(ctx, mcpServer); err != nil {
				logger.Error("mcp server stopped", "error", err)
			}
		}()
		logger.Info("mcp server enabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "openai":
		return openai.New(&openai.Config{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.LLMModel,
		}), nil
	case "claude":
		return claude.New(&claude.Config{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.LLMModel,
		}), nil
	case "gemini":
		return gemini.New(ctx, &gemini.Config{
			APIKey: cfg.LLMAPIKey,
			Model:  cfg.LLMModel,
		})
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}
