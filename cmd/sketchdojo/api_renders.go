package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/CTAG07/SketchDojo/pkg/store"
)

// RendersAPI serves the render archive.
type RendersAPI struct {
	store  *store.Store
	logger *slog.Logger
}

func NewRendersAPI(st *store.Store, logger *slog.Logger) *RendersAPI {
	return &RendersAPI{store: st, logger: logger}
}

// RegisterRoutes sets up the routing for all /api/renders endpoints.
func (a *RendersAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/renders", a.handleList)
	mux.HandleFunc("/api/renders/", a.handleRender)
}

func (a *RendersAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeRendersRead) {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "Query parameter 'limit' must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := a.store.List(r.Context(), limit)
	if err != nil {
		a.logger.Error("Failed to list renders", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Database query failed")
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

// handleRender serves /api/renders/{id} and /api/renders/{id}/download.
func (a *RendersAPI) handleRender(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/renders/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || (action != "" && action != "download") {
		respondWithError(w, http.StatusNotFound, "Not Found")
		return
	}

	if action == "download" {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		a.download(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !requireScope(w, r, scopeRendersRead) {
			return
		}
		rec, err := a.store.Get(r.Context(), id)
		if err != nil {
			a.storeError(w, id, err)
			return
		}
		respondWithJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if !requireScope(w, r, scopeRendersWrite) {
			return
		}
		if err := a.store.Delete(r.Context(), id); err != nil {
			a.storeError(w, id, err)
			return
		}
		a.logger.Info("Render deleted", "id", id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *RendersAPI) download(w http.ResponseWriter, r *http.Request, id string) {
	if !requireScope(w, r, scopeRendersRead) {
		return
	}
	rec, body, err := a.store.Open(r.Context(), id)
	if err != nil {
		a.storeError(w, id, err)
		return
	}

	w.Header().Set("ETag", rec.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), rec.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="webtoon_%s.html"`, rec.ID))
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		return
	}
	writeHTML(w, body)
}

func (a *RendersAPI) storeError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Render not found")
		return
	}
	a.logger.Error("Render archive error", "id", id, "error", err)
	respondWithError(w, http.StatusInternalServerError, "Render archive error")
}

// etagMatches implements the weak comparison of an If-None-Match header.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
