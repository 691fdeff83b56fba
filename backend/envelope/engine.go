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

// Package envelope implements the WebRTC offer/answer handshake store
// (C4): session creation with a rejection-sampled PIN, offer-before-answer
// ordering, and one-shot answer delivery. Grounded on
// efchatnet-efsec/backend/handlers/dm.go's uuid.New().String() session
// minting, generalized to the PIN-index + envelope-session pair spec.md
// §3/§4.4 describes.
package envelope

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/zkrelay/relay/backend/apierror"
	"github.com/zkrelay/relay/backend/keys"
	"github.com/zkrelay/relay/backend/kv"
	"github.com/zkrelay/relay/backend/models"
)

const (
	sessionTTL          = 180 * time.Second
	answerDeliveredTTL  = time.Second
	saltBytes           = 16
	maxPinAttempts       = 10
	nonceBytes           = 12
	minCiphertextBytes   = 16
	maxCiphertextBytes   = 64 * 1024
)

// Engine implements the envelope-session operations over a kv.Store.
type Engine struct {
	store kv.Store
	ttl   time.Duration
}

// New builds an envelope Engine with the given envelope-session TTL
// (default 180s per spec.md §3, overridable per deployment).
func New(store kv.Store, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = sessionTTL
	}
	return &Engine{store: store, ttl: ttl}
}

// Created is the result of Create: the fields returned to the client.
type Created struct {
	SessionID string    `json:"sessionId"`
	PIN       string    `json:"pin"`
	SaltB64   string    `json:"saltB64"`
	TTLSec    int       `json:"ttlSec"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Create mints a UUID v4 session id and a unique 6-digit PIN (rejection
// sampling against the PIN index, per spec.md §4.4), and writes both the
// session and PIN-index records with the configured TTL.
func (e *Engine) Create(ctx context.Context) (*Created, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	sessionID := uuid.New().String()
	now := time.Now()
	expiresAt := now.Add(e.ttl)

	pin, err := e.mintUniquePin(ctx)
	if err != nil {
		return nil, err
	}

	sess := models.EnvelopeSession{
		SaltB64:   base64.StdEncoding.EncodeToString(salt),
		PIN:       pin,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Version:   1,
	}
	if err := e.putSession(ctx, sessionID, &sess, 0); err != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	pinIdx := models.PINIndex{SessionID: sessionID, ExpiresAt: expiresAt, Version: 1}
	if err := e.putPINIndex(ctx, pin, &pinIdx, 0); err != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	return &Created{
		SessionID: sessionID,
		PIN:       pin,
		SaltB64:   sess.SaltB64,
		TTLSec:    int(e.ttl / time.Second),
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

func (e *Engine) mintUniquePin(ctx context.Context) (string, error) {
	for i := 0; i < maxPinAttempts; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return "", apierror.New(apierror.KindServerError, "%v", err)
		}
		pin := fmt.Sprintf("%06d", n.Int64())
		if _, err := e.store.Get(ctx, keys.PINIndexKey(pin)); err == kv.ErrNotFound {
			return pin, nil
		}
	}
	return "", apierror.New(apierror.KindServerError, "could not mint a unique PIN")
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*models.EnvelopeSession, int64, error) {
	rec, err := e.store.Get(ctx, keys.EnvelopeSessionKey(sessionID))
	if err != nil {
		return nil, 0, err
	}
	var sess models.EnvelopeSession
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return nil, 0, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = e.store.Del(ctx, keys.EnvelopeSessionKey(sessionID))
		return nil, 0, kv.ErrNotFound
	}
	return &sess, rec.Version, nil
}

func (e *Engine) putSession(ctx context.Context, sessionID string, sess *models.EnvelopeSession, expectedVersion int64) error {
	value, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return e.store.PutIfVersion(ctx, keys.EnvelopeSessionKey(sessionID), kv.Record{
		Value: value, Version: sess.Version, ExpiresAt: sess.ExpiresAt.UnixNano(),
	}, expectedVersion)
}

func (e *Engine) putPINIndex(ctx context.Context, pin string, idx *models.PINIndex, expectedVersion int64) error {
	value, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return e.store.PutIfVersion(ctx, keys.PINIndexKey(pin), kv.Record{
		Value: value, Version: idx.Version, ExpiresAt: idx.ExpiresAt.UnixNano(),
	}, expectedVersion)
}

// Resolved is the result of ResolveByPIN.
type Resolved struct {
	SessionID string `json:"sessionId"`
	SaltB64   string `json:"saltB64"`
	TTLSec    int    `json:"ttlSec"`
}

// ResolveByPIN implements spec.md §4.4's resolve-by-PIN: the index record
// is consumed on first successful read (atomic delete after fetch).
func (e *Engine) ResolveByPIN(ctx context.Context, pin string) (*Resolved, error) {
	key := keys.PINIndexKey(pin)
	rec, err := e.store.Get(ctx, key)
	if err == kv.ErrNotFound {
		return nil, apierror.New(apierror.KindPinNotFound, "")
	}
	if err != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	// Atomic read-and-delete: loss of the delete is treated as already
	// consumed, per spec.md §9's "at-most-once" tradeoff.
	_ = e.store.Del(ctx, key)

	var idx models.PINIndex
	if err := json.Unmarshal(rec.Value, &idx); err != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	sess, _, err := e.loadSession(ctx, idx.SessionID)
	if err != nil {
		return nil, apierror.New(apierror.KindPinExpired, "")
	}

	return &Resolved{
		SessionID: idx.SessionID,
		SaltB64:   sess.SaltB64,
		TTLSec:    int(time.Until(sess.ExpiresAt) / time.Second),
	}, nil
}

// ValidateEnvelope applies spec.md §4.4's strict wire-format validation.
func ValidateEnvelope(env models.Envelope, sessionID string) error {
	if env.V != 1 {
		return apierror.New(apierror.KindInvalidEnvelope, "unsupported version")
	}
	if env.SessionID != sessionID {
		return apierror.New(apierror.KindInvalidEnvelope, "sessionId mismatch")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil || len(nonce) != nonceBytes {
		return apierror.New(apierror.KindInvalidEnvelope, "nonceB64 must decode to %d bytes", nonceBytes)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CtB64)
	if err != nil || len(ct) < minCiphertextBytes || len(ct) > maxCiphertextBytes {
		return apierror.New(apierror.KindInvalidEnvelope, "ctB64 must decode to %d..%d bytes", minCiphertextBytes, maxCiphertextBytes)
	}
	return nil
}

func (e *Engine) getAlive(ctx context.Context, sessionID string) (*models.EnvelopeSession, int64, error) {
	sess, version, err := e.loadSession(ctx, sessionID)
	if err == kv.ErrNotFound {
		return nil, 0, apierror.New(apierror.KindSessionNotFound, "")
	}
	if err != nil {
		return nil, 0, apierror.New(apierror.KindServerError, "%v", err)
	}
	return sess, version, nil
}

// PostOffer implements spec.md §4.4's offer transition.
func (e *Engine) PostOffer(ctx context.Context, sessionID string, env models.Envelope) error {
	sess, version, err := e.getAlive(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OfferEnvelope != nil {
		return apierror.New(apierror.KindOfferAlreadySet, "")
	}
	sess.OfferEnvelope = &env
	sess.Version++
	return e.save(ctx, sessionID, sess, version)
}

// PostAnswer implements spec.md §4.4's answer transition.
func (e *Engine) PostAnswer(ctx context.Context, sessionID string, env models.Envelope) error {
	sess, version, err := e.getAlive(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OfferEnvelope == nil {
		return apierror.New(apierror.KindOfferNotSetConflict, "")
	}
	if sess.AnswerEnvelope != nil {
		return apierror.New(apierror.KindAnswerAlreadySet, "")
	}
	sess.AnswerEnvelope = &env
	sess.Version++
	return e.save(ctx, sessionID, sess, version)
}

// GetOffer returns the stored offer envelope, or offer_not_set.
func (e *Engine) GetOffer(ctx context.Context, sessionID string) (*models.Envelope, error) {
	sess, _, err := e.getAlive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OfferEnvelope == nil {
		return nil, apierror.New(apierror.KindOfferNotSet, "")
	}
	return sess.OfferEnvelope, nil
}

// GetAnswer returns the stored answer envelope. The first successful call
// flips answerDelivered and force-expires the session (one-shot
// handshake, spec.md §4.4).
func (e *Engine) GetAnswer(ctx context.Context, sessionID string) (*models.Envelope, error) {
	sess, version, err := e.getAlive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.AnswerEnvelope == nil {
		return nil, apierror.New(apierror.KindAnswerNotSet, "")
	}
	if sess.AnswerDelivered {
		return nil, apierror.New(apierror.KindSessionExpired, "")
	}

	answer := sess.AnswerEnvelope
	sess.AnswerDelivered = true
	sess.Version++
	// Shorten the TTL rather than force it into the past: the record must
	// stay readable long enough for the next GetAnswer to see
	// AnswerDelivered and return session_expired itself, instead of the
	// store's own expiry-on-read turning it into a 404 first.
	sess.ExpiresAt = time.Now().Add(answerDeliveredTTL)
	if err := e.save(ctx, sessionID, sess, version); err != nil {
		return nil, err
	}
	return answer, nil
}

// Delete implements spec.md §4.4's idempotent DELETE: removes the session
// and its PIN index entry if present, always succeeding.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	sess, _, err := e.loadSession(ctx, sessionID)
	if err == nil {
		_ = e.store.Del(ctx, keys.PINIndexKey(sess.PIN))
	}
	return e.store.Del(ctx, keys.EnvelopeSessionKey(sessionID))
}

func (e *Engine) save(ctx context.Context, sessionID string, sess *models.EnvelopeSession, expectedVersion int64) error {
	if err := e.putSession(ctx, sessionID, sess, expectedVersion); err != nil {
		if err == kv.ErrConflict {
			return apierror.New(apierror.KindConcurrencyConflict, "")
		}
		return apierror.New(apierror.KindServerError, "%v", err)
	}
	return nil
}
