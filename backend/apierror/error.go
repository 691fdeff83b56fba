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

// Package apierror implements the error taxonomy from the relay's error
// handling design: validation, state-conflict, not-found/expired,
// resource, transient, and fatal kinds, each carrying the HTTP status the
// handler layer should surface.
package apierror

import "fmt"

// Kind is one stable error code in the relay's error vocabulary.
type Kind string

const (
	KindMissingAction           Kind = "missing_action"
	KindMissingFields           Kind = "missing_fields"
	KindInvalidChunk            Kind = "invalid_chunk"
	KindInvalidEnvelope         Kind = "invalid_envelope"
	KindInvalidInviteCode       Kind = "invalid_invite_code"
	KindMissingPinOrPasswordHash Kind = "missing_pin_or_passwordHash"
	KindMissingInviteCode       Kind = "missing_invite_code"
	KindMissingPeerID           Kind = "missing_peer_id"

	KindOfferAlreadySet   Kind = "offer_already_set"
	KindAnswerAlreadySet  Kind = "answer_already_set"
	KindOfferNotSetConflict Kind = "offer_not_set_conflict"
	KindInviteCodeInUse   Kind = "invite_code_in_use"
	KindTotalChunksMismatch Kind = "totalChunks_mismatch"
	KindDuplicateChunk    Kind = "duplicate_chunk"

	KindPinNotFound      Kind = "pin_not_found"
	KindPeerNotFound     Kind = "peer_not_found"
	KindSessionNotFound  Kind = "session_not_found"
	KindOfferNotSet      Kind = "offer_not_set"
	KindAnswerNotSet     Kind = "answer_not_set"
	KindPinExpired       Kind = "pin_expired"
	KindSessionExpired   Kind = "session_expired"

	KindPayloadTooLarge Kind = "payload_too_large"
	KindRateLimited     Kind = "rate_limited"

	KindConcurrencyConflict Kind = "concurrency_conflict"

	KindServerError   Kind = "server_error"
	KindInternalError Kind = "internal_error"
)

// statusByKind is the single source of truth for kind -> HTTP status.
var statusByKind = map[Kind]int{
	KindMissingAction:            400,
	KindMissingFields:            400,
	KindInvalidChunk:             400,
	KindInvalidEnvelope:          400,
	KindInvalidInviteCode:        400,
	KindMissingPinOrPasswordHash: 400,
	KindMissingInviteCode:        400,
	KindMissingPeerID:            400,

	KindOfferAlreadySet:     409,
	KindAnswerAlreadySet:    409,
	KindOfferNotSetConflict: 409,
	KindInviteCodeInUse:     409,
	KindTotalChunksMismatch: 409,
	KindDuplicateChunk:      409,

	KindPinNotFound:     404,
	KindPeerNotFound:    404,
	KindSessionNotFound: 404,
	KindOfferNotSet:     404,
	KindAnswerNotSet:    404,
	KindPinExpired:      410,
	KindSessionExpired:  410,

	KindPayloadTooLarge: 413,
	KindRateLimited:     429,

	KindConcurrencyConflict: 200, // surfaced as 200-with-error for /api/relay

	KindServerError:   500,
	KindInternalError: 500,
}

// Error is a typed relay error carrying its stable kind and a
// human-readable message. It never carries a stack trace, per the
// "never contain stack traces in responses" propagation policy.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error for kind with an optional formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Status returns the HTTP status code associated with kind, defaulting to
// 500 for unrecognized kinds (treated as a fatal/internal error).
func Status(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return 500
}

// As extracts an *Error from err, returning ok=false if err is not one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
