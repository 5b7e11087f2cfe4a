// Package app wires configuration, storage, and handlers into one HTTP
// surface. Both entrypoints (the serverless function and the local server)
// build the same runtime from here.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/1Mochiyuki/unsub/internal/account"
	"github.com/1Mochiyuki/unsub/internal/cache"
	"github.com/1Mochiyuki/unsub/internal/crypto"
	"github.com/1Mochiyuki/unsub/internal/db"
	"github.com/1Mochiyuki/unsub/internal/history"
	"github.com/1Mochiyuki/unsub/internal/observability"
	"github.com/1Mochiyuki/unsub/internal/ratelimit"
	"github.com/1Mochiyuki/unsub/internal/session"
	"github.com/1Mochiyuki/unsub/internal/token"
	"github.com/1Mochiyuki/unsub/internal/user"
	"github.com/1Mochiyuki/unsub/internal/vault"
	"github.com/1Mochiyuki/unsub/internal/youtube"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	encryptionKeyHex, err := mustEnv("ENCRYPTION_KEY")
	if err != nil {
		return nil, err
	}
	sessionSecret, err := mustEnv("SESSION_JWT_SECRET")
	if err != nil {
		return nil, err
	}

	encryptionKey, err := crypto.ParseKey(encryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse ENCRYPTION_KEY: %w", err)
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	oauthConfig := &oauth2.Config{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		Endpoint:     google.Endpoint,
	}
	if oauthConfig.ClientID == "" || oauthConfig.ClientSecret == "" {
		logger.Error("oauth_client_unconfigured", map[string]any{
			"detail": "token refresh will fail until GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are set",
		})
	}

	creds := vault.New(database, encryptionKey)
	tokens := token.NewManager(creds, oauthConfig, logger)
	limiter := ratelimit.New(ratelimit.NewSQLStore(database))
	pages := cache.New(envSecondsOrDefault("SUBSCRIPTION_CACHE_TTL_SECONDS", 30))

	apiClient := youtube.NewClient(envOrDefault("YOUTUBE_API_BASE_URL", youtube.DefaultBaseURL))
	guard := youtube.NewService(apiClient, tokens, limiter, pages).WithBudget(
		envIntOrDefault("YOUTUBE_RATE_LIMIT_MAX", youtube.DefaultCallLimit),
		envSecondsOrDefault("YOUTUBE_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	historyRepo := history.NewRepository(database)
	userRepo := user.NewRepository(database)

	youtubeHandler := youtube.NewHandler(guard, historyRepo, logger)
	historyHandler := history.NewHandler(historyRepo, guard, logger)
	userHandler := user.NewHandler(userRepo)

	accountService := account.NewService(creds, historyRepo, userRepo, limiter, logger).
		WithRevokeURL(envOrDefault("GOOGLE_REVOKE_URL", account.DefaultRevokeURL))
	accountHandler := account.NewHandler(accountService)

	issuer := session.NewIssuer(sessionSecret)
	captureHandler := session.NewCaptureHandler(issuer, userRepo, creds, logger, os.Getenv("SESSION_CAPTURE_SECRET"))

	authed := func(h http.HandlerFunc) http.Handler {
		return session.Middleware(sessionSecret, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/session", captureHandler.Handle)
	mux.Handle("POST /auth/signout", authed(accountHandler.SignOut))
	mux.Handle("DELETE /account", authed(accountHandler.DeleteAccount))
	mux.Handle("GET /me", authed(userHandler.Me))
	mux.Handle("GET /subscriptions", authed(youtubeHandler.ListSubscriptions))
	mux.Handle("POST /subscriptions", authed(youtubeHandler.Subscribe))
	mux.Handle("DELETE /subscriptions/{id}", authed(youtubeHandler.Unsubscribe))
	mux.Handle("POST /subscriptions/bulk-unsubscribe", authed(youtubeHandler.BulkUnsubscribe))
	mux.Handle("GET /history", authed(historyHandler.List))
	mux.Handle("DELETE /history/{id}", authed(historyHandler.Delete))
	mux.Handle("POST /history/bulk-delete", authed(historyHandler.BulkDelete))
	mux.Handle("POST /history/bulk-resubscribe", authed(historyHandler.BulkResubscribe))
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
