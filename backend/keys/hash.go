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

// Package keys implements the key derivation scheme from spec.md §4.2:
// storage keys are prefix + base64url(SHA-256(prefix : part1 : part2 ...)),
// truncated to 32 characters. This makes stored keys unguessable even
// when the invite code is known, and namespaces records cleanly by
// prefix. The hash need not be secret or keyed — it is
// enumeration-resistant, not authentication, so crypto/sha256 (stdlib) is
// exactly the primitive the spec names; no pack library wraps unkeyed
// namespaced hashing usefully here.
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

const (
	PrefixSession  = "sess"
	PrefixAck      = "ack"
	PrefixPIN      = "pin"
	PrefixPeer     = "peer"
	PrefixSignal   = "signal"
	PrefixDevices  = "devices"
	PrefixEnvelope = "envelope-session"

	maxKeyLen = 32
)

// Derive computes the storage key for prefix over the given parts, per
// spec.md §4.2: prefix + base64url(SHA-256(prefix || ":" || part1 || ":"
// || ...))[:32-len(prefix)], so the full key never exceeds maxKeyLen
// characters while remaining namespaced by its human-readable prefix.
func Derive(prefix string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(prefix))
	for _, p := range parts {
		h.Write([]byte(":"))
		h.Write([]byte(p))
	}
	sum := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	key := prefix + sum
	if len(key) > maxKeyLen {
		key = key[:maxKeyLen]
	}
	return key
}

// SessionKey derives the relay session key for an invite code + password
// hash pair.
func SessionKey(inviteCode, passwordHash string) string {
	return Derive(PrefixSession, inviteCode, passwordHash)
}

// AckKey derives the acknowledgment record key, stored separately from
// the session so it can outlive it.
func AckKey(inviteCode, passwordHash string) string {
	return Derive(PrefixAck, inviteCode, passwordHash)
}

// PINIndexKey derives the PIN-index key for an envelope session PIN.
func PINIndexKey(pin string) string {
	return Derive(PrefixPIN, pin)
}

// EnvelopeSessionKey derives the envelope session key for a server-minted
// session id. Unlike the other keys this one is looked up by an
// already-unguessable UUID, but it is still routed through Derive for
// namespace consistency.
func EnvelopeSessionKey(sessionID string) string {
	return Derive(PrefixEnvelope, sessionID)
}

// PeerKey derives the peer-registration key for an invite code.
func PeerKey(inviteCode string) string {
	return Derive(PrefixPeer, inviteCode)
}

// SignalKey derives the signal-mailbox key for a peer id.
func SignalKey(peerID string) string {
	return Derive(PrefixSignal, peerID)
}

// AllPrefixes lists every logical namespace under management, used by the
// sweeper (C6) to enumerate what to scan.
func AllPrefixes() []string {
	return []string{PrefixSession, PrefixAck, PrefixPIN, PrefixPeer, PrefixSignal, PrefixDevices, PrefixEnvelope}
}

// HasPrefix reports whether key belongs to the given logical namespace.
func HasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
