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

// Package signal implements peer discovery and the per-peer signal
// mailbox (C5): invite-code registration (first-writer-wins within TTL)
// and an atomically-drained FIFO queue of WebRTC signaling messages.
// Grounded on efchatnet-efsec/backend/storage/redis/dm.go's
// queue-then-delete drain pattern, generalized to the get-del-return
// atomic-drain spec.md §4.5/§9 describes for backends without native
// atomicity.
package signal

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/zkrelay/relay/backend/apierror"
	"github.com/zkrelay/relay/backend/keys"
	"github.com/zkrelay/relay/backend/kv"
	"github.com/zkrelay/relay/backend/models"
)

const maxPeerIDLen = 128

var inviteCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// Engine implements register/lookup/signal/poll over a kv.Store.
type Engine struct {
	store    kv.Store
	peerTTL  time.Duration
	signalTTL time.Duration
}

// New builds a signal Engine with the given peer-registration and
// signal-mailbox TTLs (30s each by default, per spec.md §4.6).
func New(store kv.Store, peerTTL, signalTTL time.Duration) *Engine {
	if peerTTL <= 0 {
		peerTTL = 30 * time.Second
	}
	if signalTTL <= 0 {
		signalTTL = 30 * time.Second
	}
	return &Engine{store: store, peerTTL: peerTTL, signalTTL: signalTTL}
}

func ValidInviteCode(code string) bool {
	return inviteCodePattern.MatchString(code)
}

// Registered is the result of a successful Register call.
type Registered struct {
	TTLSec int `json:"ttlSec"`
}

// Register implements spec.md §4.5's first-writer-wins registration.
func (e *Engine) Register(ctx context.Context, inviteCode, peerID string) (*Registered, error) {
	if !ValidInviteCode(inviteCode) {
		return nil, apierror.New(apierror.KindInvalidInviteCode, "")
	}

	key := keys.PeerKey(inviteCode)
	rec, err := e.store.Get(ctx, key)
	version := int64(0)
	if err == nil {
		version = rec.Version
		var existing models.PeerRegistration
		if uerr := json.Unmarshal(rec.Value, &existing); uerr == nil && existing.PeerID != peerID {
			return nil, apierror.New(apierror.KindInviteCodeInUse, "")
		}
	} else if err != kv.ErrNotFound {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	now := time.Now()
	reg := models.PeerRegistration{PeerID: peerID, ExpiresAt: now.Add(e.peerTTL), Version: version + 1}
	value, merr := json.Marshal(reg)
	if merr != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", merr)
	}
	if err := e.store.PutIfVersion(ctx, key, kv.Record{
		Value: value, Version: reg.Version, ExpiresAt: reg.ExpiresAt.UnixNano(),
	}, version); err != nil {
		if err == kv.ErrConflict {
			return nil, apierror.New(apierror.KindInviteCodeInUse, "")
		}
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	return &Registered{TTLSec: int(e.peerTTL / time.Second)}, nil
}

// Lookup implements spec.md §4.5's non-consuming lookup.
func (e *Engine) Lookup(ctx context.Context, inviteCode string) (string, error) {
	rec, err := e.store.Get(ctx, keys.PeerKey(inviteCode))
	if err == kv.ErrNotFound {
		return "", apierror.New(apierror.KindPeerNotFound, "")
	}
	if err != nil {
		return "", apierror.New(apierror.KindServerError, "%v", err)
	}
	var reg models.PeerRegistration
	if err := json.Unmarshal(rec.Value, &reg); err != nil {
		return "", apierror.New(apierror.KindServerError, "%v", err)
	}
	return reg.PeerID, nil
}

// Signal implements spec.md §4.5's mailbox append.
func (e *Engine) Signal(ctx context.Context, from, to, sigType string, payload interface{}) error {
	if !models.ValidSignalType(sigType) {
		return apierror.New(apierror.KindMissingFields, "invalid signal type %q", sigType)
	}
	if to == "" || len(to) > maxPeerIDLen {
		return apierror.New(apierror.KindMissingPeerID, "")
	}

	key := keys.SignalKey(to)
	now := time.Now()
	expiresAt := now.Add(e.signalTTL)

	for attempt := 0; attempt < 5; attempt++ {
		rec, err := e.store.Get(ctx, key)
		var mailbox models.SignalMailbox
		version := int64(0)
		if err == nil {
			version = rec.Version
			if uerr := json.Unmarshal(rec.Value, &mailbox); uerr != nil {
				return apierror.New(apierror.KindServerError, "%v", uerr)
			}
		} else if err != kv.ErrNotFound {
			return apierror.New(apierror.KindServerError, "%v", err)
		}

		mailbox.Messages = append(mailbox.Messages, models.SignalMessage{
			From: from, Type: sigType, Payload: payload, Timestamp: now, ExpiresAt: expiresAt,
		})
		mailbox.ExpiresAt = expiresAt
		mailbox.Version = version + 1

		value, merr := json.Marshal(mailbox)
		if merr != nil {
			return apierror.New(apierror.KindServerError, "%v", merr)
		}
		if err := e.store.PutIfVersion(ctx, key, kv.Record{
			Value: value, Version: mailbox.Version, ExpiresAt: expiresAt.UnixNano(),
		}, version); err != nil {
			if err == kv.ErrConflict {
				continue // racing sender also appended; retry with the merged queue
			}
			return apierror.New(apierror.KindServerError, "%v", err)
		}
		return nil
	}

	return apierror.New(apierror.KindConcurrencyConflict, "exhausted retry budget")
}

// Poll implements spec.md §4.5/§9's atomic-drain: read the mailbox,
// delete it, return its (expiry-filtered) contents. On delete failure,
// returns empty rather than risk duplicate delivery.
func (e *Engine) Poll(ctx context.Context, peerID string) ([]models.SignalMessage, error) {
	key := keys.SignalKey(peerID)
	rec, err := e.store.Get(ctx, key)
	if err == kv.ErrNotFound {
		return []models.SignalMessage{}, nil
	}
	if err != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	if derr := e.store.Del(ctx, key); derr != nil {
		return []models.SignalMessage{}, nil
	}

	var mailbox models.SignalMailbox
	if err := json.Unmarshal(rec.Value, &mailbox); err != nil {
		return nil, apierror.New(apierror.KindServerError, "%v", err)
	}

	now := time.Now()
	out := make([]models.SignalMessage, 0, len(mailbox.Messages))
	for _, m := range mailbox.Messages {
		if now.Before(m.ExpiresAt) {
			out = append(out, m)
		}
	}
	return out, nil
}
