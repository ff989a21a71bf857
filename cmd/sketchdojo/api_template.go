package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CTAG07/SketchDojo/pkg/webtoon"
	"github.com/natefinch/atomic"
)

// samplePanels fill template previews.
var samplePanels = []webtoon.Panel{
	{
		ID:        "preview-1",
		ImagePath: "static/images/preview.png",
		Caption:   "Meanwhile, at the dojo...",
		Bubbles: []webtoon.SpeechBubble{
			{Text: "Ready?", Character: "Sensei"},
			{Text: "Always!", Character: "Student", Style: webtoon.BubbleShout, TailDirection: webtoon.TailLeft},
		},
	},
	{
		ID:      "preview-2",
		Size:    webtoon.SizeHalf,
		Style:   webtoon.StyleFlashback,
		Effects: []webtoon.Effect{{Text: "WHOOSH"}},
	},
}

// TemplateAPI holds the dependencies for the template API handlers.
type TemplateAPI struct {
	renderer *webtoon.Renderer
	metrics  *Metrics
	logger   *slog.Logger
}

// NewTemplateAPI creates a new instance of the TemplateAPI.
func NewTemplateAPI(renderer *webtoon.Renderer, metrics *Metrics, logger *slog.Logger) *TemplateAPI {
	return &TemplateAPI{
		renderer: renderer,
		metrics:  metrics,
		logger:   logger,
	}
}

// RegisterRoutes sets up the routing for all /api/templates endpoints.
func (t *TemplateAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/templates/refresh", t.handleRefresh)
	mux.HandleFunc("/api/templates/preview", t.handlePreview)
	mux.HandleFunc("/api/templates", t.handleList)
	mux.HandleFunc("/api/templates/", t.handleFile)
}

// handleRefresh triggers a manual refresh of templates from disk.
func (t *TemplateAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTemplatesWrite) {
		return
	}
	if err := t.renderer.Refresh(); err != nil {
		t.logger.Error("API triggered refresh failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to refresh templates: %v", err))
		return
	}
	t.metrics.observeTemplateRefresh("api")
	t.logger.Info("Templates refreshed via API")
	w.WriteHeader(http.StatusNoContent)
}

// handleList returns a list of all available template names.
func (t *TemplateAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTemplatesRead) {
		return
	}
	respondWithJSON(w, http.StatusOK, t.renderer.GetTemplateNames())
}

func (t *TemplateAPI) samplePage(r *http.Request) (webtoon.Page, error) {
	fragment, err := t.renderer.BuildFragment(samplePanels)
	if err != nil {
		return webtoon.Page{}, err
	}
	return webtoon.Page{
		Title:        r.URL.Query().Get("title"),
		PanelContent: fragment,
		Timestamp:    t.renderer.FormatTimestamp(time.Now()),
	}, nil
}

// handlePreview renders a stored template by name (GET ?name=) or an unsaved
// template from the request body (POST) against sample panels.
func (t *TemplateAPI) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTemplatesRead) {
		return
	}

	page, err := t.samplePage(r)
	if err != nil {
		t.logger.Error("Failed to build sample panels", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to build sample panels")
		return
	}

	var buf bytes.Buffer
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondWithBodyError(w, err, http.StatusInternalServerError, fmt.Sprintf("Failed to read request body: %v", err))
			return
		}
		if err = t.renderer.ExecuteTemplateString(&buf, string(body), page); err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Template execution failed: %v", err))
			return
		}
		writeHTML(w, buf.Bytes())
		return
	}

	name := r.URL.Query().Get("name")
	if err = t.renderer.Execute(&buf, name, page); err != nil {
		if strings.Contains(err.Error(), "is undefined") || strings.Contains(err.Error(), "no such template") {
			respondWithError(w, http.StatusNotFound, fmt.Sprintf("Template '%s' not found", name))
			return
		}
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to render preview: %v", err))
		return
	}
	writeHTML(w, buf.Bytes())
}

// handleFile manages CRUD operations for a single template file in the override directory.
func (t *TemplateAPI) handleFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/templates/")
	if name == "" || strings.HasSuffix(name, "/") {
		respondWithError(w, http.StatusNotFound, "Not Found")
		return
	}

	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) ||
		(!strings.HasSuffix(name, ".tmpl.html") && !strings.HasSuffix(name, ".part.html")) {
		respondWithError(w, http.StatusBadRequest, "Invalid template name format")
		return
	}

	if t.renderer.GetTemplateDir() == "" {
		respondWithError(w, http.StatusNotFound, "No template directory configured")
		return
	}
	templateDir, err := filepath.Abs(t.renderer.GetTemplateDir())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to resolve template directory")
		return
	}
	path := filepath.Join(templateDir, name)

	switch r.Method {
	case http.MethodGet:
		if !requireScope(w, r, scopeTemplatesRead) {
			return
		}
		content, err := os.ReadFile(path)
		if err != nil {
			respondWithError(w, http.StatusNotFound, "Template not found")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(content)

	case http.MethodPut:
		if !requireScope(w, r, scopeTemplatesWrite) {
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondWithBodyError(w, err, http.StatusInternalServerError, fmt.Sprintf("Failed to read request body: %v", err))
			return
		}
		if err = os.MkdirAll(templateDir, 0755); err != nil {
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create template directory: %v", err))
			return
		}
		previous, readErr := os.ReadFile(path)
		if err = atomic.WriteFile(path, bytes.NewReader(body)); err != nil {
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to write template file: %v", err))
			return
		}
		if err = t.renderer.Refresh(); err != nil {
			// Put the old file back so the directory stays loadable.
			if readErr == nil {
				_ = atomic.WriteFile(path, bytes.NewReader(previous))
			} else {
				_ = os.Remove(path)
			}
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Template rejected: %v", err))
			return
		}
		t.logger.Info("Template saved via API", "name", name)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if !requireScope(w, r, scopeTemplatesWrite) {
			return
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				respondWithError(w, http.StatusNotFound, "Template not found")
				return
			}
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete template file: %v", err))
			return
		}
		if err := t.renderer.Refresh(); err != nil {
			t.logger.Error("Refresh after template delete failed", "name", name, "error", err)
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
