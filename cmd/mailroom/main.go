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

// Mailroom — Inbound Email Worker
//
// Entry point for the queue worker. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Wires the ingestion pipeline (routing, parsing, threading, uploads)
//  4. Runs N worker goroutines over the inbound queue
//  5. Serves a /health endpoint
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/threadwell/mailroom/internal/address"
	"github.com/threadwell/mailroom/internal/attach"
	"github.com/threadwell/mailroom/internal/config"
	"github.com/threadwell/mailroom/internal/dedup"
	"github.com/threadwell/mailroom/internal/document"
	"github.com/threadwell/mailroom/internal/notify"
	"github.com/threadwell/mailroom/internal/queue"
	"github.com/threadwell/mailroom/internal/routing"
	"github.com/threadwell/mailroom/internal/store"
	"github.com/threadwell/mailroom/internal/thread"
	"github.com/threadwell/mailroom/internal/worker"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailroom worker")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"workers", cfg.Workers,
		"job_timeout", cfg.JobTimeout,
		"archive_retention", cfg.ArchiveRetention,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Store (Postgres) ---
	db, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Blob-store client (client-credentials auth) ---
	blobHTTP := http.DefaultClient
	if cfg.BlobStore.ClientID != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.BlobStore.ClientID,
			ClientSecret: cfg.BlobStore.ClientSecret,
			TokenURL:     cfg.BlobStore.TokenURL,
		}
		blobHTTP = creds.Client(ctx)
	}

	// --- Pipeline collaborators ---
	w := worker.New(
		routing.NewResolver(db),
		document.NewTransformer(),
		address.NewResolver(db),
		thread.NewThreader(db),
		attach.NewUploader(attach.NewBlobClient(blobHTTP, cfg.BlobStore.BaseURL, cfg.BlobStore.PublicURL), db),
		notify.NewNotifier(rdb, cfg.NotifyChannel),
		db,
		dedup.NewFilter(rdb),
		cfg.JobTimeout,
		cfg.ArchiveRetention,
	)

	consumer := queue.NewConsumer(rdb, cfg.InboundQueue, cfg.DeadLetterQueue, cfg.MaxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, consumer)
		}()
	}
	slog.Info("workers running", "count", cfg.Workers, "queue", cfg.InboundQueue)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop worker goroutines; in-flight jobs finish via queue retry

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		wg.Wait()
		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("mailroom worker listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailroom worker stopped")
}
