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

// Package kv defines the pluggable persistence abstraction (spec.md
// §4.1): a typed get/put/del/list surface with record-level versioning
// and TTL, implemented by the memory, redis, postgres, and s3
// subpackages. The engines in relay/, envelope/, and signal/ depend only
// on the Store interface here, never on a concrete backend.
package kv

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent or has expired.
var ErrNotFound = errors.New("kv: not found")

// ErrConflict is returned by PutIfVersion when the stored version does not
// match the expected version (an optimistic-concurrency loss).
var ErrConflict = errors.New("kv: version conflict")

// Record is the envelope every stored value travels in: a JSON payload
// (the caller's own record type, already marshaled), a monotonic version
// for the logical-level CAS spec.md §4.1 requires ("version checks are
// implemented at the logical level, not assumed from the backend"), and
// this record's own expiry instant.
type Record struct {
	Value     json.RawMessage
	Version   int64
	ExpiresAt int64 // unix nanos; 0 means "no expiry" (never used by engines)
}

// Store is the KV abstraction every engine depends on.
//
// Every backend implementation must treat Get as expiry-on-read: if the
// stored record's ExpiresAt is in the past, Get returns ErrNotFound and
// best-effort deletes the record. list is used only by the sweeper (C6).
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, key string, rec Record) error
	PutIfVersion(ctx context.Context, key string, rec Record, expectedVersion int64) error
	Del(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
