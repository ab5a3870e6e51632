// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cagemetric/cagemetric/pkg/extensions"
	"github.com/cagemetric/cagemetric/pkg/logging"
	"github.com/cagemetric/cagemetric/services/llm"
	"github.com/cagemetric/cagemetric/services/relay/config"
	"github.com/cagemetric/cagemetric/services/relay/handlers"
	"github.com/cagemetric/cagemetric/services/relay/observability"
	"github.com/cagemetric/cagemetric/services/relay/pipeline"
	"github.com/cagemetric/cagemetric/services/relay/policy"
	"github.com/cagemetric/cagemetric/services/relay/registry"
	"github.com/cagemetric/cagemetric/services/relay/routes"
	"github.com/cagemetric/cagemetric/services/relay/store"
	"github.com/cagemetric/cagemetric/services/relay/tools"
	"github.com/cagemetric/cagemetric/services/relay/usage"
)

func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("cagemetric-relay")))
	if err != nil {
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter)))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shut down OTLP exporter", "error", err)
		}
	}, nil
}

func newLLMClient(cfg config.LLMConfig) (llm.LLMClient, error) {
	switch cfg.Backend {
	case "openai":
		return llm.NewOpenAIClient(cfg.APIKey, cfg.Model)
	case "ollama":
		return llm.NewOllamaClient(cfg.BaseURL, cfg.Model)
	default:
		return nil, errors.New("unknown llm backend: " + cfg.Backend)
	}
}

func newAuthProvider(cfg config.AuthConfig, log *slog.Logger) extensions.AuthProvider {
	if len(cfg.Tokens) == 0 {
		log.Warn("no auth tokens configured, serving a single local user")
		return &extensions.NopAuthProvider{}
	}
	tokens := make(map[string]extensions.AuthInfo, len(cfg.Tokens))
	for token, userID := range cfg.Tokens {
		tokens[token] = extensions.AuthInfo{UserID: userID, Username: "user"}
	}
	return extensions.NewStaticTokenProvider(tokens)
}

// applyAuthTokens re-seeds the static provider from a reloaded config.
// Tokens are added or replaced, never removed; revoking a token needs a
// restart. Other config sections also need a restart to take effect.
func applyAuthTokens(provider extensions.AuthProvider, cfg config.AuthConfig) {
	static, ok := provider.(*extensions.StaticTokenProvider)
	if !ok {
		return
	}
	for token, userID := range cfg.Tokens {
		static.SetToken(token, extensions.AuthInfo{UserID: userID, Username: "user"})
	}
}

func main() {
	ctx := context.Background()

	configPath := os.Getenv("CAGEMETRIC_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "relay",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if cfg.Tracing.OTLPEndpoint != "" {
		cleanup, err := initTracer(ctx, cfg.Tracing.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to set up the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	llmClient, err := newLLMClient(cfg.LLM)
	if err != nil {
		log.Fatalf("failed to initialize the LLM client: %v", err)
	}
	slog.Info("model backend ready", "backend", cfg.LLM.Backend, "model", cfg.LLM.Model)

	policyEngine, err := policy.NewEngine()
	if err != nil {
		log.Fatalf("failed to compile the query policy: %v", err)
	}

	var (
		pool        *pgxpool.Pool
		chatStore   store.Store
		gate        usage.Gate
		toolQuerier tools.Querier
	)
	if cfg.Database.DSN != "" {
		pool, err = pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("failed to open the database pool: %v", err)
		}
		defer pool.Close()
		chatStore = store.NewPostgresStore(pool, slog.Default())
		gate = usage.NewPostgresGate(pool, cfg.Usage.DailyLimit, slog.Default())
		toolQuerier = pool
	} else {
		slog.Warn("no database configured, using in-memory persistence")
		chatStore = store.NewMemoryStore()
		gate = usage.NewMemoryGate(cfg.Usage.DailyLimit)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewRelayMetrics(promRegistry)

	gateway := tools.NewSQLGateway(toolQuerier, policyEngine, slog.Default())

	params := llm.GenerationParams{
		Temperature: &cfg.LLM.Temperature,
		MaxTokens:   &cfg.LLM.MaxTokens,
	}
	phase1 := pipeline.NewPhase1(llmClient, gateway, params, slog.Default())
	phase2 := pipeline.NewPhase2(llmClient, params, slog.Default())

	reg := registry.New(slog.Default())
	orchestrator := pipeline.NewOrchestrator(reg, phase1, phase2, chatStore, gate, metrics, slog.Default())

	authProvider := newAuthProvider(cfg.Auth, slog.Default())
	if configPath != "" {
		if _, err := config.Watch(configPath, slog.Default(), func(next config.Config) {
			applyAuthTokens(authProvider, next.Auth)
		}); err != nil {
			slog.Warn("config hot reload unavailable", "error", err)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	routes.Setup(router, routes.Deps{
		Registry:     reg,
		WSHandler:    handlers.NewWSHandler(reg, orchestrator, metrics, slog.Default()),
		DirectStream: handlers.NewDirectStreamHandler(llmClient, slog.Default()),
		Auth:         authProvider,
		Metrics:      promRegistry,
	})

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("relay listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
