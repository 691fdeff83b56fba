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

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zkrelay/relay/backend/logging"
	"github.com/zkrelay/relay/backend/models"
	"github.com/zkrelay/relay/backend/service"
)

// SessionsHandler serves the /api/v1/sessions... REST surface for the
// envelope handshake (spec.md §6).
type SessionsHandler struct {
	svc *service.Service
	log logging.Logger
}

func NewSessionsHandler(svc *service.Service, log logging.Logger) *SessionsHandler {
	return &SessionsHandler{svc: svc, log: log}
}

func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	result := h.svc.CreateSession(r.Context())
	writeJSON(w, result.Status, result.Body)
}

func (h *SessionsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	result := h.svc.ResolveSession(r.Context(), pin)
	writeJSON(w, result.Status, result.Body)
}

type envelopeBody struct {
	Envelope models.Envelope `json:"envelope"`
}

func (h *SessionsHandler) PostOffer(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var body envelopeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, 400, map[string]interface{}{"error": "invalid_envelope"})
		return
	}
	result := h.svc.PostOffer(r.Context(), sessionID, body.Envelope)
	writeJSON(w, result.Status, result.Body)
}

func (h *SessionsHandler) PostAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var body envelopeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, 400, map[string]interface{}{"error": "invalid_envelope"})
		return
	}
	result := h.svc.PostAnswer(r.Context(), sessionID, body.Envelope)
	writeJSON(w, result.Status, result.Body)
}

func (h *SessionsHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	result := h.svc.GetOffer(r.Context(), sessionID)
	writeJSON(w, result.Status, result.Body)
}

func (h *SessionsHandler) GetAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	result := h.svc.GetAnswer(r.Context(), sessionID)
	writeJSON(w, result.Status, result.Body)
}

func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	result := h.svc.DeleteSession(r.Context(), sessionID)
	writeJSON(w, result.Status, result.Body)
}
