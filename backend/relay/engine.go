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

// Package relay implements the chunk-relay mailbox (C3): push/next with
// an optimistic CAS retry loop, in-order delivery, completion, and the
// separately-keyed acknowledgment record. Grounded on
// efchatnet-efsec/backend/storage/redis/dm.go's queue-push-then-read-back
// shape, generalized to spec.md §4.3's explicit read-back-verification
// CAS loop (the teacher trusts its backend's native atomics; this engine
// cannot, since the Redis and S3 backends implement PutIfVersion as a
// non-atomic read-check-write).
package relay

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/zkrelay/relay/backend/apierror"
	"github.com/zkrelay/relay/backend/keys"
	"github.com/zkrelay/relay/backend/kv"
	"github.com/zkrelay/relay/backend/logging"
	"github.com/zkrelay/relay/backend/models"
)

const (
	maxTotalChunks  = 2048
	maxChunkBytes   = 48 * 1024
	ackTTL          = 10 * time.Minute
)

// Engine implements the push/next/setAck/getAck operations over a kv.Store.
type Engine struct {
	store          kv.Store
	log            logging.Logger
	chunkTTL       func(totalChunks int) time.Duration
	maxCASAttempts int
	casBaseBackoff time.Duration
	casMaxBackoff  time.Duration
	placeholder    bool
	rand           *rand.Rand
}

// New builds a relay Engine. chunkTTL computes the session TTL for a given
// totalChunks, per the deployment's configured formula (spec.md §9).
func New(store kv.Store, log logging.Logger, chunkTTL func(int) time.Duration, maxCASAttempts int, casBaseBackoff, casMaxBackoff time.Duration, placeholderOnFirstPoll bool) *Engine {
	return &Engine{
		store:          store,
		log:            log,
		chunkTTL:       chunkTTL,
		maxCASAttempts: maxCASAttempts,
		casBaseBackoff: casBaseBackoff,
		casMaxBackoff:  casMaxBackoff,
		placeholder:    placeholderOnFirstPoll,
		rand:           rand.New(rand.NewSource(1)),
	}
}

// Chunk is the delivered-chunk shape returned by Next.
type Chunk struct {
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

// NextResult is the tagged outcome of a Next call.
type NextResult struct {
	Status string // "chunkAvailable" | "waiting" | "done" | "expired"
	Chunk  *Chunk
}

func sessionKey(inviteCode, passwordHash string) string {
	return keys.SessionKey(inviteCode, passwordHash)
}

func ackKey(inviteCode, passwordHash string) string {
	return keys.AckKey(inviteCode, passwordHash)
}

// ValidateChunk applies spec.md §4.3's fail-fast validation, independent
// of any stored state.
func ValidateChunk(chunkIndex, totalChunks int, data string) error {
	if totalChunks < 1 || totalChunks > maxTotalChunks {
		return apierror.New(apierror.KindInvalidChunk, "totalChunks out of range")
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return apierror.New(apierror.KindInvalidChunk, "chunkIndex out of range")
	}
	if len(data) > maxChunkBytes {
		return apierror.New(apierror.KindPayloadTooLarge, "chunk exceeds %d bytes", maxChunkBytes)
	}
	return nil
}

func (e *Engine) loadSession(ctx context.Context, key string) (*models.RelaySession, int64, error) {
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	var sess models.RelaySession
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return nil, 0, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = e.store.Del(ctx, key)
		return nil, 0, kv.ErrNotFound
	}
	return &sess, rec.Version, nil
}

func (e *Engine) putSession(ctx context.Context, key string, sess *models.RelaySession, expectedVersion int64) error {
	value, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return e.store.PutIfVersion(ctx, key, kv.Record{
		Value:     value,
		Version:   sess.Version,
		ExpiresAt: sess.ExpiresAt.UnixNano(),
	}, expectedVersion)
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.casBaseBackoff * time.Duration(1<<attempt)
	if d > e.casMaxBackoff {
		d = e.casMaxBackoff
	}
	jitter := time.Duration(e.rand.Int63n(int64(d/2) + 1))
	return d + jitter
}

// Push implements spec.md §4.3's push operation: an optimistic CAS retry
// loop with read-back verification, bounded by maxCASAttempts.
func (e *Engine) Push(ctx context.Context, inviteCode, passwordHash string, chunkIndex, totalChunks int, data string) error {
	if err := ValidateChunk(chunkIndex, totalChunks, data); err != nil {
		return err
	}

	key := sessionKey(inviteCode, passwordHash)

	for attempt := 0; attempt < e.maxCASAttempts; attempt++ {
		sess, version, err := e.loadSession(ctx, key)
		now := time.Now()

		switch {
		case err == kv.ErrNotFound:
			sess = &models.RelaySession{
				TotalChunks: totalChunks,
				Chunks:      map[int]string{},
				Delivered:   map[int]bool{},
				CreatedAt:   now,
			}
			version = 0
		case err != nil:
			return apierror.New(apierror.KindServerError, "%v", err)
		default:
			if sess.Waiting {
				// First push onto a receiver-created placeholder fixes
				// totalChunks for the rest of the session.
				sess.TotalChunks = totalChunks
				sess.Waiting = false
			}
			if sess.TotalChunks != totalChunks {
				return apierror.New(apierror.KindTotalChunksMismatch, "expected %d, got %d", sess.TotalChunks, totalChunks)
			}
			if sess.Delivered[chunkIndex] {
				return apierror.New(apierror.KindDuplicateChunk, "index %d already delivered", chunkIndex)
			}
			if _, pending := sess.Chunks[chunkIndex]; pending {
				return apierror.New(apierror.KindDuplicateChunk, "index %d already pending", chunkIndex)
			}
		}

		sess.Chunks[chunkIndex] = data
		sess.Version++
		sess.LastTouched = now
		sess.ExpiresAt = now.Add(e.chunkTTL(sess.TotalChunks))

		if err := e.putSession(ctx, key, sess, version); err != nil {
			if err == kv.ErrConflict {
				time.Sleep(e.backoff(attempt))
				continue
			}
			return apierror.New(apierror.KindServerError, "%v", err)
		}

		// Read-back verification per spec.md §4.3 step 7: confirms the
		// write actually landed (and wasn't clobbered by a racing last-
		// writer-wins put on a backend without native CAS) before
		// declaring success.
		verify, vversion, verr := e.loadSession(ctx, key)
		if verr == nil && verify.Chunks[chunkIndex] == data && vversion >= sess.Version {
			return nil
		}
		time.Sleep(e.backoff(attempt))
	}

	return apierror.New(apierror.KindConcurrencyConflict, "exhausted retry budget")
}

// Next implements spec.md §4.3's receiver poll.
func (e *Engine) Next(ctx context.Context, inviteCode, passwordHash string) (NextResult, error) {
	key := sessionKey(inviteCode, passwordHash)

	for attempt := 0; attempt < e.maxCASAttempts; attempt++ {
		sess, version, err := e.loadSession(ctx, key)
		if err == kv.ErrNotFound {
			if e.placeholder {
				return e.createPlaceholder(ctx, key)
			}
			return NextResult{Status: "expired"}, nil
		}
		if err != nil {
			return NextResult{}, apierror.New(apierror.KindServerError, "%v", err)
		}

		if sess.Waiting {
			return NextResult{Status: "waiting"}, nil
		}

		if sess.Completed {
			if sess.Acknowledged {
				// Only the session goes away here: the ack record has its
				// own independent ackTTL and must survive so a sender's
				// later getAck can still see it after the receiver has
				// torn its session down (spec.md §3/§4.3).
				_ = e.store.Del(ctx, key)
			}
			return NextResult{Status: "done"}, nil
		}

		idx, data, ok := smallestPending(sess.Chunks)
		if !ok {
			if len(sess.Delivered) == sess.TotalChunks {
				sess.Completed = true
				sess.Chunks = map[int]string{}
				sess.LastTouched = time.Now()
				sess.Version++
				if err := e.putSession(ctx, key, sess, version); err == kv.ErrConflict {
					continue
				}
				return NextResult{Status: "done"}, nil
			}
			return NextResult{Status: "waiting"}, nil
		}

		delete(sess.Chunks, idx)
		sess.Delivered[idx] = true
		sess.LastTouched = time.Now()
		sess.Version++
		if len(sess.Delivered) == sess.TotalChunks {
			sess.Completed = true
			sess.Chunks = map[int]string{}
		}

		if err := e.putSession(ctx, key, sess, version); err != nil {
			if err == kv.ErrConflict {
				continue
			}
			return NextResult{}, apierror.New(apierror.KindServerError, "%v", err)
		}

		return NextResult{Status: "chunkAvailable", Chunk: &Chunk{ChunkIndex: idx, TotalChunks: sess.TotalChunks, Data: data}}, nil
	}

	return NextResult{}, apierror.New(apierror.KindConcurrencyConflict, "exhausted retry budget")
}

func (e *Engine) createPlaceholder(ctx context.Context, key string) (NextResult, error) {
	now := time.Now()
	sess := &models.RelaySession{
		TotalChunks: 0,
		Chunks:      map[int]string{},
		Delivered:   map[int]bool{},
		Waiting:     true,
		CreatedAt:   now,
		LastTouched: now,
		ExpiresAt:   now.Add(e.chunkTTL(0)),
		Version:     1,
	}
	if err := e.putSession(ctx, key, sess, 0); err != nil && err != kv.ErrConflict {
		return NextResult{}, apierror.New(apierror.KindServerError, "%v", err)
	}
	return NextResult{Status: "waiting"}, nil
}

func smallestPending(chunks map[int]string) (int, string, bool) {
	found := false
	best := 0
	for idx := range chunks {
		if !found || idx < best {
			best = idx
			found = true
		}
	}
	if !found {
		return 0, "", false
	}
	return best, chunks[best], true
}

// SetAck implements spec.md §4.3's setAck: writes the standalone ack
// record and, if the session still exists, flips its acknowledged flag.
func (e *Engine) SetAck(ctx context.Context, inviteCode, passwordHash string) error {
	now := time.Now()
	ack := models.AckRecord{Acknowledged: true, ExpiresAt: now.Add(ackTTL)}
	value, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, ackKey(inviteCode, passwordHash), kv.Record{
		Value: value, Version: 1, ExpiresAt: ack.ExpiresAt.UnixNano(),
	}); err != nil {
		return apierror.New(apierror.KindServerError, "%v", err)
	}

	sess, version, err := e.loadSession(ctx, sessionKey(inviteCode, passwordHash))
	if err == nil {
		sess.Acknowledged = true
		sess.LastTouched = now
		sess.Version++
		_ = e.putSession(ctx, sessionKey(inviteCode, passwordHash), sess, version)
	}
	return nil
}

// GetAck implements spec.md §4.3's getAck: the ack record is authoritative
// when present, falling back to the session's own flag. Absence of both
// resolves to false, never an error (ack-status before the first ack).
func (e *Engine) GetAck(ctx context.Context, inviteCode, passwordHash string) (bool, error) {
	rec, err := e.store.Get(ctx, ackKey(inviteCode, passwordHash))
	if err == nil {
		var ack models.AckRecord
		if uerr := json.Unmarshal(rec.Value, &ack); uerr == nil {
			return ack.Acknowledged, nil
		}
	} else if err != kv.ErrNotFound {
		return false, apierror.New(apierror.KindServerError, "%v", err)
	}

	sess, _, err := e.loadSession(ctx, sessionKey(inviteCode, passwordHash))
	if err != nil {
		return false, nil
	}
	return sess.Acknowledged, nil
}
