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

// Package memory implements backend/kv.Store as a process-local map, the
// dev/test backend spec.md §4.1 and §9 call for by name. Guarded by a
// single sync.RWMutex rather than a per-key lock, since this backend is
// never the concurrency-critical path under a real multi-instance
// deployment (that's the external backend's job) — see DESIGN.md.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zkrelay/relay/backend/kv"
)

// Store is an in-process implementation of kv.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]kv.Record
	now  func() time.Time
}

// New creates an empty in-process store.
func New() *Store {
	return &Store{
		data: make(map[string]kv.Record),
		now:  time.Now,
	}
}

func (s *Store) expired(rec kv.Record) bool {
	return rec.ExpiresAt != 0 && s.now().UnixNano() > rec.ExpiresAt
}

// Get returns the record at key, applying expiry-on-read.
func (s *Store) Get(ctx context.Context, key string) (kv.Record, error) {
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return kv.Record{}, kv.ErrNotFound
	}
	if s.expired(rec) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return kv.Record{}, kv.ErrNotFound
	}
	return rec, nil
}

// Put overwrites the record at key unconditionally.
func (s *Store) Put(ctx context.Context, key string, rec kv.Record) error {
	s.mu.Lock()
	s.data[key] = rec
	s.mu.Unlock()
	return nil
}

// PutIfVersion writes rec only if the currently stored record's version
// equals expectedVersion (or the key is absent and expectedVersion is 0).
func (s *Store) PutIfVersion(ctx context.Context, key string, rec kv.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[key]
	if !ok {
		if expectedVersion != 0 {
			return kv.ErrConflict
		}
		s.data[key] = rec
		return nil
	}
	if s.expired(existing) {
		delete(s.data, key)
		if expectedVersion != 0 {
			return kv.ErrConflict
		}
		s.data[key] = rec
		return nil
	}
	if existing.Version != expectedVersion {
		return kv.ErrConflict
	}
	s.data[key] = rec
	return nil
}

// Del removes the record at key, if present.
func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// List returns all non-expired keys with the given prefix, for the
// sweeper only.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, rec := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if s.expired(rec) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
