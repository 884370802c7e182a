package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eargollo/surveyor/internal/inventory"
	"github.com/eargollo/surveyor/internal/workspace"
)

// InventoryHandler serves the stored inventory and fingerprint. Both read
// the store only; nothing here touches the project directory.
type InventoryHandler struct {
	WS *workspace.Workspace
}

// Fingerprint handles GET /api/projects/{project}/fingerprint.
func (h *InventoryHandler) Fingerprint(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	store, err := h.WS.Store(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	fp, err := store.LatestFingerprint(r.Context())
	if errors.Is(err, inventory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_SCANNED", "The project has not been scanned yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fp)
}

// filterFromQuery reads prefix, ext (comma-separated or repeated), type
// (file|dir), min_size, max_size, modified_after and modified_before
// (RFC 3339).
func filterFromQuery(r *http.Request) (inventory.Filter, error) {
	q := r.URL.Query()
	f := inventory.Filter{Prefix: q.Get("prefix")}
	for _, v := range q["ext"] {
		for _, ext := range strings.Split(v, ",") {
			if ext = strings.TrimSpace(ext); ext != "" {
				f.Extensions = append(f.Extensions, ext)
			}
		}
	}
	switch q.Get("type") {
	case "":
	case "file":
		f.OnlyFiles = true
	case "dir":
		f.OnlyDirs = true
	default:
		return f, errors.New("type must be file or dir")
	}
	var err error
	if v := q.Get("min_size"); v != "" {
		if f.MinSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, errors.New("min_size must be an integer")
		}
	}
	if v := q.Get("max_size"); v != "" {
		if f.MaxSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, errors.New("max_size must be an integer")
		}
	}
	if v := q.Get("modified_after"); v != "" {
		if f.ModifiedAfter, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("modified_after must be RFC 3339")
		}
	}
	if v := q.Get("modified_before"); v != "" {
		if f.ModifiedBefore, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("modified_before must be RFC 3339")
		}
	}
	return f, nil
}

// List handles GET /api/projects/{project}/inventory.
func (h *InventoryHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error())
		return
	}
	store, err := h.WS.Store(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	total, err := store.Count(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	f.Limit, f.Offset = parsePagination(r)
	items := make([]inventory.Entry, 0, f.Limit)
	for e, err := range store.Query(r.Context(), f) {
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
		items = append(items, e)
	}
	writeJSON(w, http.StatusOK, ListResponse[inventory.Entry]{
		Items:  items,
		Total:  total,
		Limit:  f.Limit,
		Offset: f.Offset,
	})
}

// Entry handles GET /api/projects/{project}/entry?path=rel.
func (h *InventoryHandler) Entry(w http.ResponseWriter, r *http.Request) {
	p, ok := loadProject(w, r, h.WS)
	if !ok {
		return
	}
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "path is required")
		return
	}
	store, err := h.WS.Store(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	e, err := store.Get(r.Context(), rel)
	if errors.Is(err, inventory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ENTRY_NOT_FOUND", "No inventory entry at "+rel)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}
