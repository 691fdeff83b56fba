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

// Package service implements the action-dispatched public surface (C7):
// a table from action name to a pure (params) -> (status, body) handler
// over the C3-C5 engines, consumed by the HTTP layer in backend/handlers.
// Grounded on efchatnet-efsec/backend/handlers's one-handler-per-route
// shape, collapsed into a single dispatch table since spec.md §6 frames
// the relay surface as one action-tagged endpoint rather than N routes.
package service

import (
	"context"
	"strings"

	"github.com/zkrelay/relay/backend/apierror"
	"github.com/zkrelay/relay/backend/envelope"
	"github.com/zkrelay/relay/backend/logging"
	"github.com/zkrelay/relay/backend/models"
	"github.com/zkrelay/relay/backend/relay"
	"github.com/zkrelay/relay/backend/signal"
)

// Params is the decoded JSON body of a /api/relay request.
type Params map[string]interface{}

func (p Params) str(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p Params) num(key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Result is the outcome of dispatching one action: an HTTP status plus a
// JSON-serializable body.
type Result struct {
	Status int
	Body   map[string]interface{}
}

// Service wires the C3-C5 engines behind the §6 action-dispatch table.
type Service struct {
	Relay    *relay.Engine
	Envelope *envelope.Engine
	Signal   *signal.Engine
	Log      logging.Logger
}

// Dispatch routes one /api/relay action to its handler, per spec.md §6's
// action table.
func (s *Service) Dispatch(ctx context.Context, action string, params Params) Result {
	switch action {
	case "send":
		return s.send(ctx, params)
	case "receive":
		return s.receive(ctx, params)
	case "ack":
		return s.ack(ctx, params)
	case "ack-status":
		return s.ackStatus(ctx, params)
	case "register":
		return s.register(ctx, params)
	case "lookup":
		return s.lookup(ctx, params)
	case "signal":
		return s.signal(ctx, params)
	case "poll":
		return s.poll(ctx, params)
	case "":
		return errResult(apierror.New(apierror.KindMissingAction, ""))
	default:
		return Result{Status: 404, Body: map[string]interface{}{"error": "unknown_action"}}
	}
}

func errResult(err error) Result {
	if ae, ok := apierror.As(err); ok {
		status := apierror.Status(ae.Kind)
		body := map[string]interface{}{"error": string(ae.Kind)}
		// Answer-before-offer shares the offer_not_set code with GET offer;
		// only its status (409) differs.
		if ae.Kind == apierror.KindOfferNotSetConflict {
			body["error"] = string(apierror.KindOfferNotSet)
		}
		// concurrency_conflict is surfaced as 200-with-error for the
		// relay action, preserving the legacy retry-at-application-level
		// contract (spec.md §7).
		if ae.Kind == apierror.KindConcurrencyConflict {
			body["status"] = "waiting"
		}
		return Result{Status: status, Body: body}
	}
	return Result{Status: 500, Body: map[string]interface{}{"error": string(apierror.KindServerError)}}
}

func (s *Service) send(ctx context.Context, p Params) Result {
	pin, passwordHash := p.str("pin"), p.str("passwordHash")
	chunkIndex, ok1 := p.num("chunkIndex")
	totalChunks, ok2 := p.num("totalChunks")
	data := p.str("data")
	if pin == "" || passwordHash == "" || !ok1 || !ok2 || data == "" {
		return errResult(apierror.New(apierror.KindMissingFields, ""))
	}

	if err := s.Relay.Push(ctx, pin, passwordHash, chunkIndex, totalChunks, data); err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"status": "waiting"}}
}

func (s *Service) receive(ctx context.Context, p Params) Result {
	pin, passwordHash := p.str("pin"), p.str("passwordHash")
	if pin == "" || passwordHash == "" {
		return errResult(apierror.New(apierror.KindMissingPinOrPasswordHash, ""))
	}

	res, err := s.Relay.Next(ctx, pin, passwordHash)
	if err != nil {
		return errResult(err)
	}

	switch res.Status {
	case "chunkAvailable":
		return Result{Status: 200, Body: map[string]interface{}{
			"status": "chunkAvailable",
			"chunk": map[string]interface{}{
				"chunkIndex":  res.Chunk.ChunkIndex,
				"totalChunks": res.Chunk.TotalChunks,
				"data":        res.Chunk.Data,
			},
		}}
	default:
		return Result{Status: 200, Body: map[string]interface{}{"status": res.Status}}
	}
}

func (s *Service) ack(ctx context.Context, p Params) Result {
	pin, passwordHash := p.str("pin"), p.str("passwordHash")
	if pin == "" || passwordHash == "" {
		return errResult(apierror.New(apierror.KindMissingFields, ""))
	}
	if err := s.Relay.SetAck(ctx, pin, passwordHash); err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"ok": true}}
}

func (s *Service) ackStatus(ctx context.Context, p Params) Result {
	pin, passwordHash := p.str("pin"), p.str("passwordHash")
	if pin == "" || passwordHash == "" {
		return errResult(apierror.New(apierror.KindMissingFields, ""))
	}
	acked, err := s.Relay.GetAck(ctx, pin, passwordHash)
	if err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"acknowledged": acked}}
}

func (s *Service) register(ctx context.Context, p Params) Result {
	inviteCode, peerID := p.str("inviteCode"), p.str("peerId")
	if inviteCode == "" || peerID == "" {
		return errResult(apierror.New(apierror.KindMissingFields, ""))
	}
	reg, err := s.Signal.Register(ctx, inviteCode, peerID)
	if err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"status": "registered", "ttlSec": reg.TTLSec}}
}

func (s *Service) lookup(ctx context.Context, p Params) Result {
	inviteCode := p.str("inviteCode")
	if inviteCode == "" {
		return errResult(apierror.New(apierror.KindMissingInviteCode, ""))
	}
	peerID, err := s.Signal.Lookup(ctx, inviteCode)
	if err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"peerId": peerID}}
}

func (s *Service) signal(ctx context.Context, p Params) Result {
	from, to, typ := p.str("from"), p.str("to"), p.str("type")
	payload := p["payload"]
	if from == "" || to == "" || typ == "" {
		return errResult(apierror.New(apierror.KindMissingFields, ""))
	}
	if err := s.Signal.Signal(ctx, from, to, typ, payload); err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"status": "queued"}}
}

func (s *Service) poll(ctx context.Context, p Params) Result {
	peerID := p.str("peerId")
	if peerID == "" {
		return errResult(apierror.New(apierror.KindMissingPeerID, ""))
	}
	messages, err := s.Signal.Poll(ctx, peerID)
	if err != nil {
		return errResult(err)
	}
	out := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]interface{}{
			"from":      m.From,
			"type":      m.Type,
			"payload":   m.Payload,
			"timestamp": m.Timestamp,
		})
	}
	return Result{Status: 200, Body: map[string]interface{}{"messages": out}}
}

// --- Envelope REST surface (§6), exposed as its own methods since it is
// routed via path segments rather than an action field. ---

// CreateSession implements POST /api/v1/sessions.
func (s *Service) CreateSession(ctx context.Context) Result {
	created, err := s.Envelope.Create(ctx)
	if err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{
		"sessionId": created.SessionID,
		"pin":       created.PIN,
		"saltB64":   created.SaltB64,
		"ttlSec":    created.TTLSec,
		"createdAt": created.CreatedAt,
		"expiresAt": created.ExpiresAt,
	}}
}

// ResolveSession implements GET /api/v1/sessions/resolve?pin=.
func (s *Service) ResolveSession(ctx context.Context, pin string) Result {
	if len(pin) != 6 || strings.TrimFunc(pin, isDigit) != "" {
		return errResult(apierror.New(apierror.KindPinNotFound, ""))
	}
	resolved, err := s.Envelope.ResolveByPIN(ctx, pin)
	if err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{
		"sessionId": resolved.SessionID,
		"saltB64":   resolved.SaltB64,
		"ttlSec":    resolved.TTLSec,
	}}
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// PostOffer implements POST /api/v1/sessions/{id}/offer.
func (s *Service) PostOffer(ctx context.Context, sessionID string, env models.Envelope) Result {
	if err := envelope.ValidateEnvelope(env, sessionID); err != nil {
		return errResult(err)
	}
	if err := s.Envelope.PostOffer(ctx, sessionID, env); err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{}}
}

// PostAnswer implements POST /api/v1/sessions/{id}/answer.
func (s *Service) PostAnswer(ctx context.Context, sessionID string, env models.Envelope) Result {
	if err := envelope.ValidateEnvelope(env, sessionID); err != nil {
		return errResult(err)
	}
	if err := s.Envelope.PostAnswer(ctx, sessionID, env); err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{}}
}

// GetOffer implements GET /api/v1/sessions/{id}/offer.
func (s *Service) GetOffer(ctx context.Context, sessionID string) Result {
	env, err := s.Envelope.GetOffer(ctx, sessionID)
	if err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"envelope": env}}
}

// GetAnswer implements GET /api/v1/sessions/{id}/answer.
func (s *Service) GetAnswer(ctx context.Context, sessionID string) Result {
	env, err := s.Envelope.GetAnswer(ctx, sessionID)
	if err != nil {
		return errResult(err)
	}
	return Result{Status: 200, Body: map[string]interface{}{"envelope": env}}
}

// DeleteSession implements DELETE /api/v1/sessions/{id}.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) Result {
	_ = s.Envelope.Delete(ctx, sessionID)
	return Result{Status: 204, Body: nil}
}
