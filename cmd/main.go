package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/getsentry/sentry-go"

	"chat-threads/handler"
	"chat-threads/internal/auth"
	"chat-threads/internal/integrations/openai"
	"chat-threads/internal/integrations/paramstore"
	"chat-threads/internal/logging"
	"chat-threads/internal/repository"
	"chat-threads/internal/storage"
	"chat-threads/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	logging.Setup(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	tableName := chatTableName()
	paramPrefix := mustEnv("PARAM_PREFIX")
	storageTimeout := time.Duration(envInt("STORAGE_TIMEOUT_MS", 5000)) * time.Millisecond
	replyRate := envInt("REPLY_RATE_PER_MINUTE", 10)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 4000)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("ENV", "dev"),
			Release:          envOr("APP_VERSION", "dev"),
			AttachStacktrace: true,
		})
		if err != nil {
			slog.Warn("sentry initialization failed", "err", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	conn, err := storage.Connect(ctx, storage.ConnectConfig{Region: cfg.Region})
	if err != nil {
		slog.Error("failed to connect to DynamoDB", "err", err)
		os.Exit(1)
	}
	table, err := storage.NewTable(conn.Client, tableName, storage.WithTimeout(storageTimeout))
	if err != nil {
		slog.Error("failed to create table client", "err", err)
		os.Exit(1)
	}
	repo, err := repository.New(table)
	if err != nil {
		slog.Error("failed to create chat repository", "err", err)
		os.Exit(1)
	}

	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model, err = paramstore.GetParameterOr(ctx, ssmClient, paramPrefix+"/config/llm_model", "")
		if err != nil {
			slog.Error("failed to read model parameter", "err", err)
			os.Exit(1)
		}
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix,
		openai.WithModel(model),
		openai.WithBaseURL(os.Getenv("LLM_BASE_URL")),
	)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	threads, err := usecase.NewThreadService(repo,
		usecase.WithAgent(openaiClient),
		usecase.WithReplyRate(replyRate),
		usecase.WithMaxMessageLen(maxMessageLen),
	)
	if err != nil {
		slog.Error("failed to create thread service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(threads, auth.DefaultDirectory())
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("chat-threads ready", "table", tableName, "model", model)
	lambda.Start(h.Handle)
}

// chatTableName returns CHAT_TABLE, or {ENV}-chat-messages when it is unset.
func chatTableName() string {
	if v := os.Getenv("CHAT_TABLE"); v != "" {
		return v
	}
	return mustEnv("ENV") + "-chat-messages"
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
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
