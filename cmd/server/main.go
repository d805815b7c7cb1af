// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// NOC Reporter: HTTP service
//
// Entry point for the report service. It:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Connects to PostgreSQL, MongoDB and (optionally) Redis
//  3. Wires Microsoft sign-in, mail fetching and report storage
//  4. Serves the HTTP API until SIGTERM/SIGINT, then shuts down gracefully
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nocreport/reporter/internal/api"
	"github.com/nocreport/reporter/internal/auth"
	"github.com/nocreport/reporter/internal/cache"
	"github.com/nocreport/reporter/internal/config"
	"github.com/nocreport/reporter/internal/database"
	"github.com/nocreport/reporter/internal/fetcher"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/lock"
	"github.com/nocreport/reporter/internal/report"
	"github.com/nocreport/reporter/internal/retry"
	"github.com/nocreport/reporter/internal/users"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting NOC report service",
		"port", cfg.Port,
		"base_url", cfg.BaseURL,
		"redis_lock", cfg.RedisURL != "",
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	cipher, err := users.NewCipher(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}
	userStore, err := users.NewStore(ctx, pgPool, cipher)
	if err != nil {
		slog.Error("failed to initialise user store", "error", err)
		os.Exit(1)
	}

	// --- Connect to MongoDB ---
	handle := database.NewHandle(cfg.MongoURI, cfg.MongoDatabase)
	db, err := handle.DB(ctx)
	if err != nil {
		slog.Error("failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to MongoDB", "database", cfg.MongoDatabase)

	emailCache := cache.NewStore(db)
	if err := emailCache.EnsureIndexes(ctx); err != nil {
		slog.Error("failed to ensure email cache indexes", "error", err)
		os.Exit(1)
	}
	reportStore := report.NewMongoStore(db)
	if err := reportStore.EnsureIndexes(ctx); err != nil {
		slog.Error("failed to ensure report indexes", "error", err)
		os.Exit(1)
	}

	health := map[string]api.HealthCheck{
		"mongo":    handle.Ping,
		"postgres": userStore.Ping,
	}

	// --- Optional Redis generation lock ---
	var lockClient lock.Client
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Generation still works unguarded
			slog.Warn("redis unreachable at startup", "error", err)
		} else {
			slog.Info("connected to Redis")
		}
		lockClient = rdb
		health["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}

	// --- Auth ---
	sessions := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
	provider := auth.NewProvider(auth.OAuthConfig{
		TenantID:     cfg.Microsoft.TenantID,
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		RedirectURL:  cfg.Microsoft.RedirectURL,
	}, userStore)

	// --- Mail fetching ---
	sources := graph.NewSources(provider, cfg.GraphBaseURL)
	f := fetcher.New(fetcher.Config{
		Cache:     emailCache,
		PageSize:  cfg.Fetch.PageSize,
		MaxPages:  cfg.Fetch.MaxPages,
		PageDelay: cfg.Fetch.PageDelay,
		Retry: retry.Policy{
			MaxAttempts: cfg.Fetch.RetryAttempts,
			BaseDelay:   cfg.Fetch.RetryBaseDelay,
		},
	})

	// --- HTTP API ---
	handler := api.NewHandler(api.Deps{
		Sessions:      sessions,
		OAuth:         provider,
		Users:         userStore,
		Sources:       sources,
		Fetcher:       f,
		Emails:        emailCache,
		Reports:       report.NewService(reportStore),
		Locks:         lock.NewGuard(lockClient),
		GraphBaseURL:  cfg.GraphBaseURL,
		Health:        health,
		SecureCookies: strings.HasPrefix(cfg.BaseURL, "https://"),
	})

	ready, stopped, err := api.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	<-ctx.Done()
	slog.Info("received shutdown signal")

	<-stopped

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := handle.Close(shutdownCtx); err != nil {
		slog.Error("mongo disconnect error", "error", err)
	}
	if rdb != nil {
		rdb.Close()
	}

	slog.Info("NOC report service stopped")
}
