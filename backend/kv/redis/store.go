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

// Package redis implements backend/kv.Store on top of
// github.com/redis/go-redis/v9, grounded on
// efchatnet-efsec/backend/storage/redis/dm.go: native per-key TTL via
// SET ... EX, and SCAN (never KEYS) for prefix listing, the same way the
// teacher's CleanupExpiredMessages walks dm:queue:* with an iterator
// rather than a blocking KEYS call.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zkrelay/relay/backend/kv"
)

// record is the on-the-wire envelope stored in Redis; kv.Record's
// ExpiresAt travels alongside the value so Get can still apply
// expiry-on-read defensively even though Redis's own TTL is the primary
// expiry mechanism (defense in depth, per spec.md §9).
type record struct {
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	ExpiresAt int64           `json:"expiresAt"`
}

// Store adapts a *goredis.Client to kv.Store.
type Store struct {
	rdb *goredis.Client
}

// New wraps an existing Redis client.
func New(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func ttlFor(rec kv.Record) time.Duration {
	if rec.ExpiresAt == 0 {
		return 0
	}
	d := time.Until(time.Unix(0, rec.ExpiresAt))
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func (s *Store) Get(ctx context.Context, key string) (kv.Record, error) {
	data, err := s.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return kv.Record{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Record{}, err
	}

	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return kv.Record{}, err
	}
	if rec.ExpiresAt != 0 && time.Now().UnixNano() > rec.ExpiresAt {
		s.rdb.Del(ctx, key)
		return kv.Record{}, kv.ErrNotFound
	}
	return kv.Record{Value: rec.Value, Version: rec.Version, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *Store) Put(ctx context.Context, key string, rec kv.Record) error {
	data, err := json.Marshal(record{Value: rec.Value, Version: rec.Version, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, ttlFor(rec)).Err()
}

// PutIfVersion implements the logical-level CAS spec.md §4.1 requires:
// the external backend performs writes as full-record overwrites, so the
// version check is a read-check-write sequence here rather than a native
// Redis transaction primitive — callers (the engines) already retry on
// ErrConflict, matching §4.3's CAS retry loop.
func (s *Store) PutIfVersion(ctx context.Context, key string, rec kv.Record, expectedVersion int64) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		if err != kv.ErrNotFound {
			return err
		}
		if expectedVersion != 0 {
			return kv.ErrConflict
		}
		return s.Put(ctx, key, rec)
	}
	if existing.Version != expectedVersion {
		return kv.ErrConflict
	}
	return s.Put(ctx, key, rec)
}

func (s *Store) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
