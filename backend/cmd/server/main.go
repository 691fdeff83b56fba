// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/zkrelay/relay/backend/config"
	"github.com/zkrelay/relay/backend/envelope"
	"github.com/zkrelay/relay/backend/handlers"
	"github.com/zkrelay/relay/backend/kv"
	kvmemory "github.com/zkrelay/relay/backend/kv/memory"
	kvpostgres "github.com/zkrelay/relay/backend/kv/postgres"
	kvredis "github.com/zkrelay/relay/backend/kv/redis"
	kvs3 "github.com/zkrelay/relay/backend/kv/s3"
	"github.com/zkrelay/relay/backend/lifecycle"
	"github.com/zkrelay/relay/backend/logging"
	"github.com/zkrelay/relay/backend/middleware"
	"github.com/zkrelay/relay/backend/relay"
	"github.com/zkrelay/relay/backend/service"
	"github.com/zkrelay/relay/backend/signal"
)

func main() {
	log := logging.NewDefault(slog.LevelInfo)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "failed to load configuration", "error", err)
		panic(err)
	}

	store, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialize storage backend", "error", err)
		panic(err)
	}

	relayEngine := relay.New(store, log, cfg.ChunkTTL, cfg.CASMaxAttempts, cfg.CASBaseBackoff, cfg.CASMaxBackoff, cfg.PlaceholderOnFirstPoll)
	envelopeEngine := envelope.New(store, cfg.EnvelopeTTL)
	signalEngine := signal.New(store, cfg.PeerTTL, cfg.SignalTTL)

	svc := &service.Service{Relay: relayEngine, Envelope: envelopeEngine, Signal: signalEngine, Log: log}

	sweeper := lifecycle.New(store, log, cfg.SweepInterval)
	go sweeper.Run(ctx)

	startedAt := time.Now()
	relayHandler := handlers.NewRelayHandler(svc, log)
	sessionsHandler := handlers.NewSessionsHandler(svc, log)
	editionHandler := handlers.NewEditionHandler(cfg, startedAt)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.HandleFunc("/api/relay", relayHandler.Handle).Methods("POST")

	sessions := r.PathPrefix("/api/v1/sessions").Subrouter()
	sessions.HandleFunc("", sessionsHandler.Create).Methods("POST")
	sessions.Handle("/resolve", rateLimiter.RateLimit(http.HandlerFunc(sessionsHandler.Resolve))).Methods("GET")
	sessions.HandleFunc("/{id}/offer", sessionsHandler.PostOffer).Methods("POST")
	sessions.HandleFunc("/{id}/offer", sessionsHandler.GetOffer).Methods("GET")
	sessions.HandleFunc("/{id}/answer", sessionsHandler.PostAnswer).Methods("POST")
	sessions.HandleFunc("/{id}/answer", sessionsHandler.GetAnswer).Methods("GET")
	sessions.HandleFunc("/{id}", sessionsHandler.Delete).Methods("DELETE")

	r.HandleFunc("/api/v1/edition", editionHandler.Edition).Methods("GET")
	r.HandleFunc("/health", editionHandler.Health).Methods("GET")

	log.Info(ctx, "relay server starting", "port", cfg.Port, "backend", string(cfg.SelectBackend()), "edition", cfg.Edition)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Error(ctx, "server failed", "error", err)
		panic(err)
	}
}

// buildStore selects and constructs the kv.Store backend per
// spec.md §6's "persistence credential presence selects external vs
// in-process backend" rule (config.SelectBackend's priority order).
func buildStore(ctx context.Context, cfg *config.Config, log logging.Logger) (kv.Store, error) {
	switch cfg.SelectBackend() {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pgStore := kvpostgres.New(db)
		if err := pgStore.Migrate(); err != nil {
			return nil, err
		}
		log.Info(ctx, "using postgres storage backend")
		return pgStore, nil

	case config.BackendRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rdb := goredis.NewClient(opts)
		log.Info(ctx, "using redis storage backend")
		return kvredis.New(rdb), nil

	case config.BackendS3:
		s3Store, err := kvs3.New(ctx, kvs3.Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		log.Info(ctx, "using s3 storage backend")
		return s3Store, nil

	default:
		log.Info(ctx, "using in-process memory storage backend")
		return kvmemory.New(), nil
	}
}
