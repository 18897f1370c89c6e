// Command local serves the chat-threads API over plain HTTP for development,
// backed by in-memory storage or DynamoDB Local.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat-threads/handler"
	"chat-threads/internal/auth"
	"chat-threads/internal/integrations/openai"
	"chat-threads/internal/logging"
	"chat-threads/internal/repository"
	"chat-threads/internal/storage"
	"chat-threads/internal/usecase"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded, using process environment")
	}
	logging.Setup(os.Stdout, os.Getenv("LOG_LEVEL"), envOr("LOG_FORMAT", "text"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: "local"}); err != nil {
			slog.Warn("sentry initialization failed", "err", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	store, err := openStore(ctx)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	repo, err := repository.New(store)
	if err != nil {
		slog.Error("failed to create chat repository", "err", err)
		os.Exit(1)
	}
	n, err := seedDemoThreads(ctx, repo, auth.DefaultUserID, time.Now())
	if err != nil {
		slog.Error("failed to seed demo threads", "err", err)
		os.Exit(1)
	}
	slog.Info("demo threads seeded", "user_id", auth.DefaultUserID, "count", n)

	opts := []usecase.ServiceOption{usecase.WithReplyRate(envInt("REPLY_RATE_PER_MINUTE", 0))}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		agent, err := openai.NewClient(nil, "",
			openai.WithAPIKey(key),
			openai.WithBaseURL(os.Getenv("LLM_BASE_URL")),
			openai.WithModel(os.Getenv("LLM_MODEL")),
		)
		if err != nil {
			slog.Error("failed to create OpenAI client", "err", err)
			os.Exit(1)
		}
		opts = append(opts, usecase.WithAgent(agent))
	} else {
		slog.Warn("LLM_API_KEY not set, assistant replies are disabled")
	}
	threads, err := usecase.NewThreadService(repo, opts...)
	if err != nil {
		slog.Error("failed to create thread service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(threads, auth.DefaultDirectory())
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(gateway(h.Handle))

	srv := &http.Server{
		Addr:              ":" + envOr("PORT", "8080"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "err", err)
	}
	slog.Info("shutdown complete")
}

// openStore returns in-memory storage, or DynamoDB Local with the chat table
// created on demand when STORAGE=dynamodb.
func openStore(ctx context.Context) (storage.Store, error) {
	switch mode := envOr("STORAGE", "memory"); mode {
	case "memory":
		return storage.NewMemory(storage.DefaultSchema, repository.UserIndex), nil
	case "dynamodb":
		conn, err := storage.Connect(ctx, storage.ConnectConfig{
			Region:          envOr("AWS_REGION", "us-east-1"),
			Local:           true,
			Endpoint:        envOr("DYNAMODB_ENDPOINT", "http://localhost:8000"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if err != nil {
			return nil, err
		}
		name := envOr("CHAT_TABLE", envOr("ENV", "dev")+"-chat-messages")
		if err := storage.EnsureTable(ctx, conn.Client, repository.TableDefinition(name), 0); err != nil {
			return nil, err
		}
		slog.Info("using DynamoDB Local", "endpoint", conn.Endpoint, "table", name)
		table, err := storage.NewTable(conn.Client, name,
			storage.WithTimeout(time.Duration(envInt("STORAGE_TIMEOUT_MS", 5000))*time.Millisecond))
		if err != nil {
			return nil, err
		}
		return table, nil
	default:
		return nil, errors.New("unknown STORAGE mode " + strconv.Quote(mode))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
