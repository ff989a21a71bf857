package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/CTAG07/SketchDojo/pkg/store"
	"github.com/CTAG07/SketchDojo/pkg/webtoon"
)

// lintHeader carries the number of lint issues found in a rendered fragment.
const lintHeader = "X-Sketchdojo-Lint-Issues"

// RenderRequest renders structured panels.
type RenderRequest struct {
	Title     string          `json:"title"`
	Timestamp string          `json:"timestamp"`
	Panels    []webtoon.Panel `json:"panels"`
}

// FragmentRequest renders a pre-built panel_content fragment.
type FragmentRequest struct {
	Title        string `json:"title"`
	Timestamp    string `json:"timestamp"`
	PanelContent string `json:"panel_content"`
}

// LintRequest lints a fragment and, when Document is set, checks a whole page.
type LintRequest struct {
	PanelContent string `json:"panel_content"`
	Document     string `json:"document"`
	Title        string `json:"title"`
}

// LintResponse is the body returned by /api/lint.
type LintResponse struct {
	Report        webtoon.Report `json:"report"`
	DocumentError string         `json:"document_error,omitempty"`
}

// SavedRender is returned when a render is archived.
type SavedRender struct {
	store.RenderRecord
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

// RenderAPI holds the dependencies for the rendering handlers.
type RenderAPI struct {
	renderer *webtoon.Renderer
	store    *store.Store
	metrics  *Metrics
	maxBody  int64
	logger   *slog.Logger
}

func NewRenderAPI(renderer *webtoon.Renderer, st *store.Store, metrics *Metrics, maxBody int64, logger *slog.Logger) *RenderAPI {
	return &RenderAPI{
		renderer: renderer,
		store:    st,
		metrics:  metrics,
		maxBody:  maxBody,
		logger:   logger,
	}
}

// RegisterRoutes sets up the routing for the render and lint endpoints.
func (a *RenderAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/render", a.handleRenderPanels)
	mux.HandleFunc("/api/render/fragment", a.handleRenderFragment)
	mux.HandleFunc("/api/lint", a.handleLint)
}

// decode reads a JSON body into v, enforcing the body size limit.
func (a *RenderAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if a.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithBodyError(w, err, http.StatusBadRequest, fmt.Sprintf("Invalid JSON request body: %v", err))
		return false
	}
	return true
}

func (a *RenderAPI) timestamp(ts string) string {
	if ts != "" {
		return ts
	}
	return a.renderer.FormatTimestamp(time.Now())
}

// wantSave reports whether the request asks for the result to be archived.
func wantSave(r *http.Request) bool {
	save, _ := strconv.ParseBool(r.URL.Query().Get("save"))
	return save
}

func isInputError(err error) bool {
	return errors.Is(err, webtoon.ErrInvalidVocabulary) ||
		errors.Is(err, webtoon.ErrInvalidPosition) ||
		errors.Is(err, webtoon.ErrMissingField) ||
		errors.Is(err, webtoon.ErrTooManyPanels)
}

func (a *RenderAPI) handleRenderPanels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeRenderWrite) {
		return
	}

	var req RenderRequest
	if !a.decode(w, r, &req) {
		return
	}
	if len(req.Panels) == 0 {
		respondWithError(w, http.StatusBadRequest, "At least one panel is required")
		return
	}

	ts := a.timestamp(req.Timestamp)
	var buf bytes.Buffer
	err := a.renderer.RenderPanels(&buf, req.Title, req.Panels, ts)
	a.metrics.observeRender("panels", len(req.Panels), err)
	if err != nil {
		if isInputError(err) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("Failed to render panels", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to render document")
		return
	}
	a.logger.Debug("Rendered panels", "title", req.Title, "panels", len(req.Panels), "bytes", buf.Len())

	rec := store.RenderRecord{Title: req.Title, PanelCount: len(req.Panels), Timestamp: ts}
	a.respond(w, r, rec, buf.Bytes())
}

func (a *RenderAPI) handleRenderFragment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeRenderWrite) {
		return
	}

	var req FragmentRequest
	if !a.decode(w, r, &req) {
		return
	}

	ts := a.timestamp(req.Timestamp)
	var buf bytes.Buffer
	report, err := a.renderer.RenderFragment(&buf, req.Title, req.PanelContent, ts)
	a.metrics.observeRender("fragment", report.Panels, err)
	if err != nil {
		a.logger.Error("Failed to render fragment", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to render document")
		return
	}
	a.observeReport(report)

	w.Header().Set(lintHeader, strconv.Itoa(len(report.Issues)))
	rec := store.RenderRecord{Title: req.Title, PanelCount: report.Panels, Timestamp: ts}
	a.respond(w, r, rec, buf.Bytes())
}

// respond archives the document when asked to, otherwise writes it back as HTML.
func (a *RenderAPI) respond(w http.ResponseWriter, r *http.Request, rec store.RenderRecord, body []byte) {
	if rec.Title == "" {
		rec.Title = a.renderer.GetConfig().DefaultTitle
	}
	if !wantSave(r) {
		w.Header().Set("ETag", store.ETag(body))
		writeHTML(w, body)
		return
	}

	saved, err := a.store.Save(r.Context(), rec, body)
	if err != nil {
		a.logger.Error("Failed to archive render", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to save render")
		return
	}
	a.logger.Info("Render archived", "id", saved.ID, "title", saved.Title, "panels", saved.PanelCount)
	respondWithJSON(w, http.StatusCreated, SavedRender{
		RenderRecord: saved,
		URL:          "/static/output/" + saved.ID + ".html",
		DownloadURL:  "/api/renders/" + saved.ID + "/download",
	})
}

func (a *RenderAPI) handleLint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeRenderWrite) {
		return
	}

	var req LintRequest
	if !a.decode(w, r, &req) {
		return
	}

	resp := LintResponse{Report: webtoon.LintFragment(req.PanelContent)}
	if req.Document != "" {
		if err := webtoon.CheckDocument(req.Document, req.Title); err != nil {
			resp.DocumentError = err.Error()
		}
	}
	a.observeReport(resp.Report)
	respondWithJSON(w, http.StatusOK, resp)
}

func (a *RenderAPI) observeReport(report webtoon.Report) {
	codes := make([]string, 0, len(report.Issues))
	for _, issue := range report.Issues {
		codes = append(codes, issue.Code)
	}
	a.metrics.observeLint(codes)
}

func writeHTML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}
