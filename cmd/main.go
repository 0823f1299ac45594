package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"lark-bridge/handler"
	"lark-bridge/internal/integrations/lark"
	"lark-bridge/internal/integrations/openai"
	"lark-bridge/internal/integrations/paramstore"
	"lark-bridge/internal/repository"
	"lark-bridge/internal/usecase"
)

const runModeLocal = "local"

func main() {
	ctx := context.Background()

	runMode := strings.TrimSpace(os.Getenv("RUN_MODE"))
	if runMode == runModeLocal {
		if err := godotenv.Load(); err != nil {
			slog.Warn("no .env file loaded, using system environment", "err", err)
		}
	}

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	larkAppID := mustEnv("LARK_APP_ID")
	model := envOr("OPENAI_MODEL", "gpt-3.5-turbo")
	maxTokens := envInt("OPENAI_MAX_TOKEN", 1024)
	maxContextTurns := envInt("MAX_CONTEXT_TURNS", 20)
	mentionMarker := envOr("LARK_MENTION_MARKER", "@_user_1")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	openaiKey, larkAppSecret, err := resolveCredentials(ctx, cfg)
	if err != nil {
		slog.Error("failed to resolve credentials", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create history store", "err", err)
		os.Exit(1)
	}

	llm, err := openai.NewClient(openaiKey)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	replier, err := lark.NewClient(larkAppID, larkAppSecret)
	if err != nil {
		slog.Error("failed to create Lark client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	controller, err := usecase.NewService(store, llm, replier, usecase.Config{
		Model:           model,
		MaxTokens:       maxTokens,
		MaxContextTurns: maxContextTurns,
		MentionMarker:   mentionMarker,
	})
	if err != nil {
		slog.Error("failed to create session controller", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(controller)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if runMode == runModeLocal {
		runLocal(ctx, h)
		return
	}
	lambda.Start(h.Handle)
}

// resolveCredentials reads the OpenAI key and Lark app secret, preferring SSM
// when PARAM_PREFIX is set and falling back to plain environment variables.
func resolveCredentials(ctx context.Context, cfg aws.Config) (openaiKey, larkAppSecret string, err error) {
	prefix := strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/")
	if prefix == "" {
		return mustEnv("OPENAI_KEY"), mustEnv("LARK_APP_SECRET"), nil
	}

	ps, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return "", "", err
	}
	openaiKey, err = ps.GetToken(ctx, prefix+"/open-ai-token")
	if err != nil {
		return "", "", err
	}
	larkAppSecret, err = ps.GetParameter(ctx, prefix+"/lark-app-secret")
	if err != nil {
		return "", "", err
	}
	return openaiKey, larkAppSecret, nil
}

// runLocal serves the webhook on a local listener until interrupted.
func runLocal(ctx context.Context, h *handler.Handler) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodPost, "/api/webhook", h)

	addr := ":" + envOr("PORT", "3000")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("webhook listener started", "addr", addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}
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
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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
