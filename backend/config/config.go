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

// Package config loads the relay's environment-driven configuration,
// following the defaults-then-overlay shape of
// dmitrijs2005-gophkeeper/internal/server/config.LoadConfig, with the
// overlay itself done via github.com/kelseyhightower/envconfig the way
// commandquery-secret/cmd/secrtd/config.go does it.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ChunkTTLFormula identifies which of spec's monotone chunk-TTL functions
// this deployment uses; reported verbatim in the edition handshake.
type ChunkTTLFormula string

const (
	ChunkTTLFixed60        ChunkTTLFormula = "fixed60"
	ChunkTTLLinear30       ChunkTTLFormula = "linear30"
	ChunkTTLLinear60Capped ChunkTTLFormula = "linear60capped"
)

// Config holds runtime settings for the relay server.
type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	// Persistence backend selection: credential presence picks the
	// backend, in this priority order, falling back to the in-process
	// map when none is configured.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`

	// Edition / feature gating, reported by GET /api/v1/edition.
	Edition      string `envconfig:"EDITION" default:"community"`
	IsEnterprise bool   `envconfig:"IS_ENTERPRISE" default:"false"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// Rate limiting for /sessions/resolve, applied by middleware.
	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	// Open-question deployment choices (spec.md §9), surfaced via the
	// edition handshake so clients can detect which behavior a given
	// deployment implements.
	ChunkTTLFormula         ChunkTTLFormula `envconfig:"CHUNK_TTL_FORMULA" default:"linear60capped"`
	PlaceholderOnFirstPoll  bool            `envconfig:"PLACEHOLDER_ON_FIRST_POLL" default:"false"`

	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`

	SignalTTL   time.Duration `envconfig:"SIGNAL_TTL" default:"30s"`
	PeerTTL     time.Duration `envconfig:"PEER_TTL" default:"30s"`
	EnvelopeTTL time.Duration `envconfig:"ENVELOPE_TTL" default:"180s"`
	AnswerDeliveredTTL time.Duration `envconfig:"ANSWER_DELIVERED_TTL" default:"1s"`

	CASMaxAttempts int           `envconfig:"CAS_MAX_ATTEMPTS" default:"5"`
	CASBaseBackoff time.Duration `envconfig:"CAS_BASE_BACKOFF" default:"50ms"`
	CASMaxBackoff  time.Duration `envconfig:"CAS_MAX_BACKOFF" default:"500ms"`
}

// Load builds a Config from the process environment, applying defaults
// first and then overlaying environment variables under the "RELAY"
// prefix (e.g. RELAY_PORT).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("relay", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Backend identifies which KV backend Load's result selects.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
	BackendS3       Backend = "s3"
)

// SelectBackend implements the "persistence credential presence selects
// external vs in-process backend" rule from spec.md §6, preferring
// Postgres, then Redis, then S3, then the in-process map, when more than
// one credential happens to be configured.
func (c *Config) SelectBackend() Backend {
	switch {
	case c.DatabaseURL != "":
		return BackendPostgres
	case c.RedisURL != "":
		return BackendRedis
	case c.S3Bucket != "":
		return BackendS3
	default:
		return BackendMemory
	}
}

// ChunkTTL computes the session TTL for a chunk-relay session with the
// given totalChunks, per this deployment's configured formula. Every
// formula is monotone in totalChunks and bounded to [30s, 180s], per
// spec.md §9's observable-contract requirement.
func (c *Config) ChunkTTL(totalChunks int) time.Duration {
	switch c.ChunkTTLFormula {
	case ChunkTTLFixed60:
		return 60 * time.Second
	case ChunkTTLLinear30:
		d := 30*time.Second + time.Duration(totalChunks)*500*time.Millisecond
		return capDuration(d, 180*time.Second)
	case ChunkTTLLinear60Capped:
		fallthrough
	default:
		d := 60*time.Second + time.Duration(totalChunks)*500*time.Millisecond
		return capDuration(d, 180*time.Second)
	}
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}
