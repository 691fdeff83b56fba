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

	"github.com/zkrelay/relay/backend/logging"
	"github.com/zkrelay/relay/backend/service"
)

// RelayHandler serves the single action-dispatched POST /api/relay
// endpoint (spec.md §6).
type RelayHandler struct {
	svc *service.Service
	log logging.Logger
}

func NewRelayHandler(svc *service.Service, log logging.Logger) *RelayHandler {
	return &RelayHandler{svc: svc, log: log}
}

func (h *RelayHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, 400, map[string]interface{}{"error": "missing_fields"})
		return
	}

	action, _ := body["action"].(string)
	result := h.svc.Dispatch(r.Context(), action, service.Params(body))

	if result.Status >= 500 {
		h.log.Error(r.Context(), "relay action failed", "action", action, "status", result.Status)
	}
	writeJSON(w, result.Status, result.Body)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	json.NewEncoder(w).Encode(body)
}
