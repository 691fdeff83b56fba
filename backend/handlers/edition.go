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
	"net/http"
	"time"

	"github.com/zkrelay/relay/backend/config"
)

// EditionHandler serves GET /api/v1/edition and GET /health (spec.md §6),
// reporting this deployment's open-question choices per SPEC_FULL's
// edition-handshake supplement.
type EditionHandler struct {
	cfg       *config.Config
	startedAt time.Time
}

func NewEditionHandler(cfg *config.Config, startedAt time.Time) *EditionHandler {
	return &EditionHandler{cfg: cfg, startedAt: startedAt}
}

func (h *EditionHandler) Edition(w http.ResponseWriter, r *http.Request) {
	features := []string{"relay", "envelope-handshake", "signal-mailbox"}
	if h.cfg.IsEnterprise {
		features = append(features, "device-registry", "audit-logging")
	}

	writeJSON(w, 200, map[string]interface{}{
		"edition":                h.cfg.Edition,
		"isEnterprise":           h.cfg.IsEnterprise,
		"features":               features,
		"chunkTTLFormula":        string(h.cfg.ChunkTTLFormula),
		"placeholderOnFirstPoll": h.cfg.PlaceholderOnFirstPoll,
		"timestamp":              time.Now().UTC(),
	})
}

func (h *EditionHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]interface{}{
		"status":    "ok",
		"edition":   h.cfg.Edition,
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC(),
	})
}
