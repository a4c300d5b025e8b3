package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/notesync/internal/httpapi"
	"github.com/agentworkforce/notesync/internal/notes"
)

func main() {
	logger := newLogger(os.Stderr, strings.TrimSpace(os.Getenv("NOTESYNC_LOG_FILE")))
	slog.SetDefault(logger)

	addr := envOrDefault("NOTESYNC_ADDR", ":8080")
	storeDSN := envOrDefault("NOTESYNC_STORE_DSN", "memory://")
	store, err := notes.BuildEntityStoreFromDSN(storeDSN)
	if err != nil {
		logger.Error("failed to initialize entity store", "dsn", redactDSN(storeDSN), "error", err)
		os.Exit(1)
	}
	defer store.Close()

	summarizer, embedder, err := buildDerivedFromEnv(logger)
	if err != nil {
		logger.Error("failed to initialize derived data providers", "error", err)
		os.Exit(1)
	}
	reconciler, err := notes.NewReconciler(store, notes.ReconcilerOptions{
		Summarizer:     summarizer,
		Embedder:       embedder,
		DerivedTimeout: durationEnv("NOTESYNC_DERIVED_TIMEOUT", 0),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to initialize reconciler", "error", err)
		os.Exit(1)
	}
	processor := notes.NewBatchProcessor(reconciler, notes.BatchOptions{
		MaxBatchSize: intEnv("NOTESYNC_MAX_BATCH_SIZE", 0),
		Deadline:     durationEnv("NOTESYNC_BATCH_DEADLINE", 0),
		Logger:       logger,
	})
	origins := parseOrigins(os.Getenv("NOTESYNC_CORS_ORIGINS"))
	server := httpapi.NewServerWithConfig(processor, store, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("NOTESYNC_JWT_SECRET"),
		RateLimitMax:       intEnv("NOTESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("NOTESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("NOTESYNC_MAX_BODY_BYTES", 0),
		LiveOriginPatterns: originPatterns(origins),
		Logger:             logger,
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newCORS(origins).Handler(server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("notesync listening", "addr", addr, "store", redactDSN(storeDSN))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	}
}

func newLogger(stderr io.Writer, logFile string) *slog.Logger {
	var out io.Writer = stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// buildDerivedFromEnv wires OpenAI through langchaingo when a key is set and
// falls back to the offline extractive summarizer otherwise.
func buildDerivedFromEnv(logger *slog.Logger) (notes.Summarizer, notes.Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("NOTESYNC_OPENAI_API_KEY"))
	if apiKey == "" {
		logger.Info("no model key configured, using extractive summaries without embeddings")
		return notes.ExtractiveSummarizer{}, nil, nil
	}
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model := strings.TrimSpace(os.Getenv("NOTESYNC_OPENAI_MODEL")); model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if model := strings.TrimSpace(os.Getenv("NOTESYNC_OPENAI_EMBEDDING_MODEL")); model != "" {
		opts = append(opts, openai.WithEmbeddingModel(model))
	}
	if base := strings.TrimSpace(os.Getenv("NOTESYNC_OPENAI_BASE_URL")); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, nil, fmt.Errorf("openai embedder: %w", err)
	}
	return &notes.LLMSummarizer{Model: llm}, &notes.LLMEmbedder{Embedder: embedder}, nil
}

func newCORS(origins []string) *cors.Cors {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders: []string{"X-Correlation-Id", "Retry-After"},
		MaxAge:         600,
	}
	if len(origins) == 0 {
		opts.AllowOriginFunc = func(origin string) bool { return false }
	} else {
		opts.AllowedOrigins = origins
	}
	return cors.New(opts)
}

func parseOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// originPatterns strips schemes so the websocket accept check can match on
// host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		out = append(out, strings.TrimSuffix(origin, "/"))
	}
	return out
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
