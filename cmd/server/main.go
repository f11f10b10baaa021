package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"tasklens.dev/processor/common/id"
	"tasklens.dev/processor/common/llm"
	"tasklens.dev/processor/common/logger"
	"tasklens.dev/processor/common/otel"
	"tasklens.dev/processor/core/config"
	"tasklens.dev/processor/core/db"
	"tasklens.dev/processor/internal/adapter"
	"tasklens.dev/processor/internal/analysis"
	"tasklens.dev/processor/internal/http/middleware"
	httprouter "tasklens.dev/processor/internal/http/router"
	"tasklens.dev/processor/internal/output"
	"tasklens.dev/processor/internal/service"
	"tasklens.dev/processor/internal/store"
	"tasklens.dev/processor/migrations"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "processor starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	if err := runMigrations(cfg.DB.DSN); err != nil {
		slog.ErrorContext(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "migrations applied")

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	cache, err := buildCache(ctx, cfg.Redis)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}

	analyzer := buildAnalyzer(ctx, cfg, cache)

	adapters := adapter.NewRegistry(
		adapter.NewGitLabAdapter(),
		adapter.NewChatAdapter(),
	)
	creators := output.NewRegistry(
		output.NewNotionCreator(),
		output.NewWebhookCreator(),
	)

	stores := store.NewStores(database.Pool())
	services := service.NewServices(stores, adapters, analyzer, creators, cfg.Pipeline)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, services)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func runMigrations(dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()
	return migrations.Run(sqlDB)
}

// buildCache picks the analysis cache backend: Redis when configured,
// in-process memory otherwise.
func buildCache(ctx context.Context, cfg config.RedisConfig) (analysis.Cache, error) {
	if !cfg.Enabled() {
		slog.InfoContext(ctx, "redis disabled, using in-memory analysis cache")
		return analysis.NewMemoryCache(), nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.InfoContext(ctx, "redis connected")
	return analysis.NewRedisCache(client), nil
}

func buildAnalyzer(ctx context.Context, cfg config.Config, cache analysis.Cache) service.Analyzer {
	if !cfg.OpenAI.Enabled() {
		slog.WarnContext(ctx, "openai disabled, discussions will use fallback analysis")
		return service.FallbackAnalyzer{}
	}

	client, err := llm.New(llm.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize llm client", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "llm client initialized", "model", client.Model())
	return analysis.NewEngine(client, cache, cfg.Pipeline.CacheTTL)
}

func setupRouter(cfg config.Config, services *service.Services) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, services)

	return router
}

const banner = `
████████╗ █████╗ ███████╗██╗  ██╗██╗     ███████╗███╗   ██╗███████╗
╚══██╔══╝██╔══██╗██╔════╝██║ ██╔╝██║     ██╔════╝████╗  ██║██╔════╝
   ██║   ███████║███████╗█████╔╝ ██║     █████╗  ██╔██╗ ██║███████╗
   ██║   ██╔══██║╚════██║██╔═██╗ ██║     ██╔══╝  ██║╚██╗██║╚════██║
   ██║   ██║  ██║███████║██║  ██╗███████╗███████╗██║ ╚████║███████║
   ╚═╝   ╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═══╝╚══════╝
`
