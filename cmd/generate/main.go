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

// NOC Reporter: report regeneration command
//
// Standalone CLI tool that regenerates and persists a user's daily reports
// for a range of past days, using the tokens stored at sign-in. Days are
// processed one at a time.
//
// Usage:
//
//	go run ./cmd/generate/ --user <email> --from 2024-03-01 [--to 2024-03-07]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nocreport/reporter/internal/auth"
	"github.com/nocreport/reporter/internal/backfill"
	"github.com/nocreport/reporter/internal/cache"
	"github.com/nocreport/reporter/internal/config"
	"github.com/nocreport/reporter/internal/database"
	"github.com/nocreport/reporter/internal/fetcher"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/lock"
	"github.com/nocreport/reporter/internal/report"
	"github.com/nocreport/reporter/internal/retry"
	"github.com/nocreport/reporter/internal/timezone"
	"github.com/nocreport/reporter/internal/users"
)

func main() {
	// --- CLI Flags ---
	userFlag := flag.String("user", "", "Email of the signed-in user whose reports to regenerate (required)")
	fromFlag := flag.String("from", "", "First local day, YYYY-MM-DD (required)")
	toFlag := flag.String("to", "", "Last local day, YYYY-MM-DD (default: same as --from)")
	flag.Parse()

	if *userFlag == "" || *fromFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --user and --from are required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *toFlag == "" {
		*toFlag = *fromFlag
	}

	from, err := timezone.ParseDate(*fromFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --from %q: %v\n", *fromFlag, err)
		os.Exit(1)
	}
	to, err := timezone.ParseDate(*toFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --to %q: %v\n", *toFlag, err)
		os.Exit(1)
	}

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

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
	defer handle.Close(context.Background())

	db, err := handle.DB(ctx)
	if err != nil {
		slog.Error("failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}

	reportStore := report.NewMongoStore(db)
	if err := reportStore.EnsureIndexes(ctx); err != nil {
		slog.Error("failed to ensure report indexes", "error", err)
		os.Exit(1)
	}

	// --- Optional Redis generation lock ---
	var lockClient lock.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		lockClient = rdb
	}

	// --- Mail access ---
	provider := auth.NewProvider(auth.OAuthConfig{
		TenantID:     cfg.Microsoft.TenantID,
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		RedirectURL:  cfg.Microsoft.RedirectURL,
	}, userStore)
	sources := graph.NewSources(provider, cfg.GraphBaseURL)

	f := fetcher.New(fetcher.Config{
		Cache:     cache.NewStore(db),
		PageSize:  cfg.Fetch.PageSize,
		MaxPages:  cfg.Fetch.MaxPages,
		PageDelay: cfg.Fetch.PageDelay,
		Retry: retry.Policy{
			MaxAttempts: cfg.Fetch.RetryAttempts,
			BaseDelay:   cfg.Fetch.RetryBaseDelay,
		},
	})

	// --- Run ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Sources: sources,
		Fetcher: f,
		Reports: report.NewService(reportStore),
		Locks:   lock.NewGuard(lockClient),
	})

	result, err := runner.Run(ctx, backfill.Request{
		User: *userFlag,
		From: from,
		To:   to,
	})
	if err != nil && result == nil {
		slog.Error("regeneration failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	for _, dr := range result.Days {
		attrs := []any{
			"date", dr.Date,
			"entries", dr.Entries,
			"from_cache", dr.FromCache,
			"failed_folders", dr.FailedFolders,
		}
		if dr.Err != nil {
			attrs = append(attrs, "error", dr.Err)
		}
		slog.Info("day result", attrs...)
	}

	slog.Info("regeneration complete",
		"user", result.User,
		"generated", result.Generated,
		"failed", result.Failed,
		"elapsed", result.Elapsed,
	)

	if err != nil {
		slog.Error("regeneration interrupted", "error", err)
		os.Exit(1)
	}
	if result.Failed > 0 {
		os.Exit(2)
	}
}
