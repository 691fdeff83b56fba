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

// Package models holds the wire/storage record shapes shared across the
// relay, envelope, and signal engines. Every record carries its own
// ExpiresAt, since the KV abstraction treats TTL as a record-level field
// rather than a backend feature (see backend/kv).
package models

import "time"

// RelaySession is the chunk mailbox keyed by H(inviteCode, passwordHash).
type RelaySession struct {
	TotalChunks  int            `json:"totalChunks"`
	Chunks       map[int]string `json:"chunks"`
	Delivered    map[int]bool   `json:"delivered"`
	Completed    bool           `json:"completed"`
	Acknowledged bool           `json:"acknowledged"`
	// Waiting marks a placeholder session created by a receiver polling
	// before any push, used only when the placeholder-on-first-poll
	// deployment mode is enabled.
	Waiting     bool      `json:"waitingForSender"`
	CreatedAt   time.Time `json:"createdAt"`
	LastTouched time.Time `json:"lastTouched"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Version     int64     `json:"version"`
}

// AckRecord is stored separately from RelaySession at H("ack", inviteCode,
// passwordHash) so acknowledgment survives session destruction.
type AckRecord struct {
	Acknowledged bool      `json:"acknowledged"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Version      int64     `json:"version"`
}

// Envelope wraps an opaque ciphertext blob exchanged via the handshake
// endpoints. The relay never inspects NonceB64/CtB64 beyond length/base64
// validity.
type Envelope struct {
	V          int    `json:"v"`
	SessionID  string `json:"sessionId"`
	NonceB64   string `json:"nonceB64"`
	CtB64      string `json:"ctB64"`
}

// EnvelopeSession is the handshake store for WebRTC offer/answer exchange,
// keyed by server-minted session id.
type EnvelopeSession struct {
	SaltB64         string    `json:"saltB64"`
	PIN             string    `json:"pin"`
	OfferEnvelope   *Envelope `json:"offerEnvelope,omitempty"`
	AnswerEnvelope  *Envelope `json:"answerEnvelope,omitempty"`
	AnswerDelivered bool      `json:"answerDelivered"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Version         int64     `json:"version"`
}

// PINIndex maps H("pin", pin) -> session id, consumed on first resolve.
type PINIndex struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   int64     `json:"version"`
}

// PeerRegistration maps H("peer", inviteCode) -> peer id, first-writer-wins
// within the TTL window.
type PeerRegistration struct {
	PeerID    string    `json:"peerId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   int64     `json:"version"`
}

// SignalMessage is one entry in a peer's signal mailbox.
type SignalMessage struct {
	From      string      `json:"from"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// SignalMailbox is the ordered, FIFO queue of pending signals for one peer.
type SignalMailbox struct {
	Messages  []SignalMessage `json:"messages"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Version   int64           `json:"version"`
}

const (
	SignalTypeOffer        = "offer"
	SignalTypeAnswer       = "answer"
	SignalTypeICECandidate = "ice-candidate"
)

// ValidSignalType reports whether t is one of the three recognized signal
// message types.
func ValidSignalType(t string) bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate:
		return true
	default:
		return false
	}
}
