package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/surveyor/internal/inventory"
	"github.com/eargollo/surveyor/internal/project"
	"github.com/eargollo/surveyor/internal/scan"
	"github.com/eargollo/surveyor/internal/workspace"
)

// ScansHandler handles scan-related API endpoints.
type ScansHandler struct {
	WS *workspace.Workspace
}

type sessionInfo struct {
	SessionID string     `json:"session_id"`
	ProjectID string     `json:"project_id"`
	Root      string     `json:"root"`
	Status    string     `json:"status"`
	StartedAt string     `json:"started_at"`
	Progress  scan.Event `json:"progress"`
}

func newSessionInfo(s *scan.Session) sessionInfo {
	return sessionInfo{
		SessionID: s.ID,
		ProjectID: s.ProjectID,
		Root:      s.Root,
		Status:    string(s.Status()),
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
		Progress:  s.Latest(),
	}
}

// Create handles POST /api/projects/{project}/scans and triggers a scan.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	// The scan outlives the request.
	sess, err := h.WS.StartScan(context.Background(), p, nil)
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning), errors.Is(err, project.ErrLocked):
		writeError(w, http.StatusConflict, "SCAN_ALREADY_RUNNING", "A scan is already in progress for this project")
		return
	case err != nil:
		slog.Error("scans: start", "project", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, newSessionInfo(sess))
}

// Current handles GET /api/projects/{project}/scans/current.
func (h *ScansHandler) Current(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	sess := h.WS.Manager().Active(p.ID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "NO_ACTIVE_SCAN", "No scan is currently running")
		return
	}
	writeJSON(w, http.StatusOK, newSessionInfo(sess))
}

// Cancel handles DELETE /api/projects/{project}/scans/current.
func (h *ScansHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	sess, err := h.WS.Manager().Cancel(p.ID)
	if errors.Is(err, scan.ErrNoActiveScan) {
		writeError(w, http.StatusNotFound, "NO_ACTIVE_SCAN", "No scan is currently running")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	info := newSessionInfo(sess)
	info.Status = "cancelling"
	writeJSON(w, http.StatusAccepted, info)
}

// List handles GET /api/projects/{project}/scans and returns scan history
// newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	store, err := h.WS.Store(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	limit, offset := parsePagination(r)
	items, err := store.Scans(r.Context(), limit, offset)
	if err != nil {
		slog.Error("scans list", "project", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if items == nil {
		items = []inventory.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, ListResponse[inventory.ScanRecord]{
		Items:  items,
		Total:  int64(len(items)),
		Limit:  limit,
		Offset: offset,
	})
}

// Errors handles GET /api/projects/{project}/scans/{id}/errors.
func (h *ScansHandler) Errors(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid scan ID")
		return
	}
	store, err := h.WS.Store(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	errs, err := store.ScanErrors(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if errs == nil {
		errs = []inventory.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan_id": id, "errors": errs})
}
