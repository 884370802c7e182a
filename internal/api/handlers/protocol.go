package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eargollo/surveyor/internal/protocol"
	"github.com/eargollo/surveyor/internal/workspace"
)

// ProtocolHandler exposes a project's effective protocol and its field
// selection.
type ProtocolHandler struct {
	WS *workspace.Workspace
}

type protocolResponse struct {
	Layers       []protocol.LayerName `json:"layers"`
	Field        string               `json:"field,omitempty"`
	Patterns     []string             `json:"exclude_patterns"`
	Instructions []string             `json:"instructions"`
	Digest       string               `json:"digest"`
}

// Get handles GET /api/projects/{project}/protocol.
func (h *ProtocolHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	eff, err := h.WS.Protocol(p)
	if errors.Is(err, protocol.ErrUnknownField) {
		writeError(w, http.StatusConflict, "UNKNOWN_FIELD", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocolResponse{
		Layers:       eff.Layers(),
		Field:        p.Field,
		Patterns:     eff.Patterns(),
		Instructions: eff.Instructions(),
		Digest:       eff.Digest(),
	})
}

// SetField handles PUT /api/projects/{project}/field with {"field": "..."}.
// An empty field clears the selection.
func (h *ProtocolHandler) SetField(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	var body struct {
		Field string `json:"field"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if err := h.WS.SetField(p, body.Field); err != nil {
		if errors.Is(err, protocol.ErrUnknownField) {
			writeError(w, http.StatusBadRequest, "UNKNOWN_FIELD", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AddExcludes handles POST /api/projects/{project}/protocol/excludes with
// {"patterns": [...]}, appending to the project layer.
func (h *ProtocolHandler) AddExcludes(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	var body struct {
		Patterns []string `json:"patterns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Patterns) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "patterns is required")
		return
	}
	l, err := h.WS.AddProjectExcludes(p, body.Patterns...)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PATTERN", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"layer":            l.Name(),
		"exclude_patterns": l.ExcludePatterns(),
	})
}
