package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/surveyor/internal/project"
	"github.com/eargollo/surveyor/internal/scheduler"
	"github.com/eargollo/surveyor/internal/workspace"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	WS      *workspace.Workspace
	Sched   *scheduler.Scheduler
	Version string
}

type statusResponse struct {
	Version     string          `json:"version"`
	ActiveScans []sessionInfo   `json:"active_scans"`
	Schedule    []scheduler.Job `json:"schedule"`
}

// ServeHTTP returns the system status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:     h.Version,
		ActiveScans: []sessionInfo{},
		Schedule:    []scheduler.Job{},
	}
	for _, s := range h.WS.Manager().Sessions() {
		resp.ActiveScans = append(resp.ActiveScans, newSessionInfo(s))
	}
	if h.Sched != nil {
		resp.Schedule = h.Sched.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProjectsHandler lists and registers projects.
type ProjectsHandler struct {
	WS    *workspace.Workspace
	Sched *scheduler.Scheduler
}

type projectItem struct {
	*project.Project
	Scanning  bool       `json:"scanning"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// List handles GET /api/projects.
func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	ps, err := h.WS.Projects()
	if err != nil {
		slog.Error("projects list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	items := make([]projectItem, 0, len(ps))
	for _, p := range ps {
		it := projectItem{Project: p, Scanning: h.WS.Manager().Active(p.ID) != nil}
		if h.Sched != nil {
			it.NextRunAt = h.Sched.NextRunAt(p.ID)
		}
		items = append(items, it)
	}
	writeJSON(w, http.StatusOK, ListResponse[projectItem]{
		Items: items,
		Total: int64(len(items)),
		Limit: len(items),
	})
}

// Create handles POST /api/projects with {"root": "...", "field": "..."}.
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Root  string `json:"root"`
		Field string `json:"field"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Root == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "root is required")
		return
	}
	p, err := h.WS.Open(body.Root)
	if errors.Is(err, project.ErrNotDirectory) {
		writeError(w, http.StatusBadRequest, "NOT_A_DIRECTORY", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if body.Field != "" {
		if err := h.WS.SetField(p, body.Field); err != nil {
			writeError(w, http.StatusBadRequest, "UNKNOWN_FIELD", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, p)
}
