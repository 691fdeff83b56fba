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

// Package lifecycle implements the periodic GC sweep (C6): lists each
// known key prefix and removes records whose expiresAt is past, running
// one goroutine per namespace so sweep latency doesn't scale with the
// number of namespaces (spec.md §5's "runs on its own cadence... treats
// the KV as any other client"). Grounded on
// efchatnet-efsec/backend/storage/redis/dm.go's CleanupExpiredMessages,
// generalized from one namespace to all seven.
package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zkrelay/relay/backend/keys"
	"github.com/zkrelay/relay/backend/kv"
	"github.com/zkrelay/relay/backend/logging"
)

// expiryHolder is the minimal shape every stored record satisfies: a
// top-level "expiresAt" field. Used only to decide whether List's
// expiry-on-read fallback already caught it, or whether the record is
// still eligible but the backend's List doesn't filter expiry itself.
type expiryHolder struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// Sweeper periodically removes expired records across every logical
// namespace.
type Sweeper struct {
	store    kv.Store
	log      logging.Logger
	interval time.Duration
}

// New builds a Sweeper that scans every prefix in keys.AllPrefixes every
// interval.
func New(store kv.Store, log logging.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{store: store, log: log, interval: interval}
}

// Run blocks, sweeping on a ticker until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	prefixes := keys.AllPrefixes()
	var wg sync.WaitGroup
	wg.Add(len(prefixes))

	for _, prefix := range prefixes {
		go func(prefix string) {
			defer wg.Done()
			removed, err := s.sweepPrefix(ctx, prefix)
			if err != nil {
				s.log.Warn(ctx, "sweep prefix failed", "prefix", prefix, "error", err)
				return
			}
			if removed > 0 {
				s.log.Info(ctx, "sweep removed expired records", "prefix", prefix, "removed", removed)
			}
		}(prefix)
	}

	wg.Wait()
}

func (s *Sweeper) sweepPrefix(ctx context.Context, prefix string) (int, error) {
	keyList, err := s.store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	for _, key := range keyList {
		rec, err := s.store.Get(ctx, key)
		if err != nil {
			// Get already applied expiry-on-read and deleted it.
			continue
		}
		var holder expiryHolder
		if err := json.Unmarshal(rec.Value, &holder); err != nil {
			continue
		}
		if !holder.ExpiresAt.IsZero() && now.After(holder.ExpiresAt) {
			if err := s.store.Del(ctx, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
