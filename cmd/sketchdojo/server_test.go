package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CTAG07/SketchDojo/pkg/webtoon"
	"github.com/CTAG07/SketchDojo/pkg/workspace"
)

const exampleFragment = `<div class='panel panel-full'><div class='panel-image'><img src='/static/images/panel_1.jpg'></div></div>`

// writeTestConfig writes a config rooted in a temp dir and returns its path.
// Each edit is applied to the config before it is written.
func writeTestConfig(tb testing.TB, edits ...func(*Config)) (string, *Config) {
	tb.Helper()
	dir := tb.TempDir()
	cfg := DefaultConfig()
	cfg.Server.RootDir = dir
	cfg.Server.DatabasePath = filepath.Join(dir, "server", "test.db")
	cfg.Server.TemplateDir = filepath.Join(dir, "templates")
	cfg.Server.WatchTemplates = false
	for _, edit := range edits {
		edit(cfg)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		tb.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err = os.WriteFile(path, data, 0644); err != nil {
		tb.Fatalf("failed to write config: %v", err)
	}
	return path, cfg
}

func setupTestServer(tb testing.TB, edits ...func(*Config)) *Server {
	tb.Helper()
	path, cfg := writeTestConfig(tb, edits...)

	cm, err := NewConfigManager(path)
	if err != nil {
		tb.Fatalf("NewConfigManager failed: %v", err)
	}
	if _, err = workspace.New(cfg.Server.RootDir).Ensure(); err != nil {
		tb.Fatalf("Ensure failed: %v", err)
	}
	db, err := openDatabase(cfg.Server)
	if err != nil {
		tb.Fatalf("openDatabase failed: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(cm, logger, db, make(chan string, 1))
	if err != nil {
		tb.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func doRequest(tb testing.TB, h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	tb.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(tb testing.TB, rec *httptest.ResponseRecorder, v any) {
	tb.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		tb.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestServer_IndexAndHealth(t *testing.T) {
	h := setupTestServer(t).Handler()

	rec := doRequest(t, h, http.MethodGet, "/", "")
	var index map[string]string
	decodeBody(t, rec, &index)
	if rec.Code != http.StatusOK || index["message"] != "Welcome to SketchDojo API" {
		t.Errorf("GET / = %d %v", rec.Code, index)
	}

	rec = doRequest(t, h, http.MethodGet, "/health", "")
	var health map[string]string
	decodeBody(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("GET /health = %v", health)
	}

	if rec = doRequest(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rec.Code)
	}
}

func TestServer_RenderFragmentExample(t *testing.T) {
	h := setupTestServer(t).Handler()

	body, _ := json.Marshal(FragmentRequest{Title: "Episode 1", PanelContent: exampleFragment, Timestamp: "2024-01-01"})
	rec := doRequest(t, h, http.MethodPost, "/api/render/fragment", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.Contains(out, "Created with SketchDojo - 2024-01-01") {
		t.Errorf("footer missing:\n%s", out)
	}
	if err := webtoon.CheckDocument(out, "Episode 1"); err != nil {
		t.Error(err)
	}
	if got := rec.Header().Get(lintHeader); got != "0" {
		t.Errorf("%s = %q, want 0", lintHeader, got)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("rendered document should carry an ETag")
	}

	body, _ = json.Marshal(FragmentRequest{Title: "Bad", PanelContent: `<div class="panel panel-huge"></div>`})
	rec = doRequest(t, h, http.MethodPost, "/api/render/fragment", string(body))
	if got := rec.Header().Get(lintHeader); got != "2" {
		t.Errorf("%s = %q, want 2", lintHeader, got)
	}
}

func TestServer_RenderSaveAndDownload(t *testing.T) {
	srv := setupTestServer(t)
	h := srv.Handler()

	req := `{"title":"Episode 2","timestamp":"2024-01-02","panels":[
		{"panel_id":"p1","size":"half","image_path":"static/images/p1.png",
		 "speech_bubbles":[{"text":"Hi","character":"Ann","position":"top-left"}]},
		{"dialogue":["Hello?"],"effects":["BOOM"]}
	]}`
	rec := doRequest(t, h, http.MethodPost, "/api/render?save=1", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body.String())
	}
	var saved SavedRender
	decodeBody(t, rec, &saved)
	if saved.ID == "" || saved.PanelCount != 2 || saved.Title != "Episode 2" {
		t.Fatalf("unexpected saved render: %+v", saved)
	}

	var list []map[string]any
	rec = doRequest(t, h, http.MethodGet, "/api/renders", "")
	decodeBody(t, rec, &list)
	if len(list) != 1 || list[0]["id"] != saved.ID {
		t.Errorf("GET /api/renders = %v", list)
	}

	rec = doRequest(t, h, http.MethodGet, saved.DownloadURL, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if rec.Header().Get("ETag") != saved.ETag {
		t.Errorf("ETag = %q, want %q", rec.Header().Get("ETag"), saved.ETag)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment") {
		t.Errorf("Content-Disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	if err := webtoon.CheckDocument(rec.Body.String(), "Episode 2"); err != nil {
		t.Error(err)
	}

	rec = doRequest(t, h, http.MethodGet, saved.DownloadURL, "", "If-None-Match", saved.ETag)
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional download = %d, want 304", rec.Code)
	}

	if rec = doRequest(t, h, http.MethodGet, saved.URL, ""); rec.Code != http.StatusOK {
		t.Errorf("static output = %d, want 200", rec.Code)
	}

	if rec = doRequest(t, h, http.MethodDelete, "/api/renders/"+saved.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec = doRequest(t, h, http.MethodGet, "/api/renders/"+saved.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
	if rec = doRequest(t, h, http.MethodGet, "/api/renders/"+saved.ID+"/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown sub-resource = %d, want 404", rec.Code)
	}
}

func TestServer_RenderRejectsBadInput(t *testing.T) {
	h := setupTestServer(t).Handler()

	tests := []struct {
		name, method, body string
		want               int
	}{
		{"quarter size", http.MethodPost, `{"panels":[{"panel_id":"a","size":"quarter"}]}`, http.StatusBadRequest},
		{"no panels", http.MethodPost, `{"panels":[]}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, `{"panels":`, http.StatusBadRequest},
		{"bad position", http.MethodPost, `{"panels":[{"speech_bubbles":[{"text":"x","character":"y","position":{"top":"1;x"}}]}]}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, "/api/render", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServer_Lint(t *testing.T) {
	h := setupTestServer(t).Handler()

	body, _ := json.Marshal(LintRequest{
		PanelContent: `<div class="panel panel-quarter"></div>`,
		Document:     `<html><body><h1>A</h1><h1>B</h1></body></html>`,
		Title:        "A",
	})
	rec := doRequest(t, h, http.MethodPost, "/api/lint", string(body))
	var resp LintResponse
	decodeBody(t, rec, &resp)
	if resp.Report.Panels != 1 || len(resp.Report.Issues) != 2 {
		t.Errorf("unexpected report: %+v", resp.Report)
	}
	if resp.DocumentError == "" {
		t.Error("document check should fail")
	}
}

func TestServer_Auth(t *testing.T) {
	h := setupTestServer(t).Handler()

	var me map[string]any
	rec := doRequest(t, h, http.MethodGet, "/api/auth/me", "")
	decodeBody(t, rec, &me)
	if rec.Code != http.StatusOK {
		t.Fatalf("open API /me = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/auth/keys", `{"description":"admin","scopes":["renders:read"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create first key = %d: %s", rec.Code, rec.Body.String())
	}
	var master CreateKeyResponse
	decodeBody(t, rec, &master)
	if len(master.Scopes) != 1 || master.Scopes[0] != scopeAll {
		t.Errorf("first key should get the master scope, got %v", master.Scopes)
	}
	if !strings.HasPrefix(master.RawKey, "sdj_") {
		t.Errorf("raw key %q has the wrong prefix", master.RawKey)
	}

	if rec = doRequest(t, h, http.MethodGet, "/api/renders", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("request without key = %d, want 401", rec.Code)
	}
	if rec = doRequest(t, h, http.MethodGet, "/api/renders", "", authHeader, "sdj_wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("request with unknown key = %d, want 401", rec.Code)
	}
	if rec = doRequest(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health should stay open, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/auth/keys", `{"description":"reader","scopes":["renders:read"]}`, authHeader, master.RawKey)
	var reader CreateKeyResponse
	decodeBody(t, rec, &reader)

	if rec = doRequest(t, h, http.MethodGet, "/api/renders", "", "Authorization", "Bearer "+reader.RawKey); rec.Code != http.StatusOK {
		t.Errorf("reader listing renders = %d, want 200", rec.Code)
	}
	if rec = doRequest(t, h, http.MethodPost, "/api/render", `{}`, authHeader, reader.RawKey); rec.Code != http.StatusForbidden {
		t.Errorf("reader rendering = %d, want 403", rec.Code)
	}
	if rec = doRequest(t, h, http.MethodPost, "/api/auth/keys", `{"scopes":["root"]}`, authHeader, master.RawKey); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown scope = %d, want 400", rec.Code)
	}

	var keys []APIKeyInfo
	rec = doRequest(t, h, http.MethodGet, "/api/auth/keys", "", authHeader, master.RawKey)
	decodeBody(t, rec, &keys)
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %v", keys)
	}

	if rec = doRequest(t, h, http.MethodDelete, "/api/auth/keys/1", "", authHeader, master.RawKey); rec.Code != http.StatusBadRequest {
		t.Errorf("deleting the master key = %d, want 400", rec.Code)
	}
	target := "/api/auth/keys/" + jsonNumber(reader.ID)
	if rec = doRequest(t, h, http.MethodDelete, target, "", authHeader, master.RawKey); rec.Code != http.StatusNoContent {
		t.Errorf("deleting the reader key = %d, want 204", rec.Code)
	}
}

func jsonNumber(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestServer_StatsAndMetrics(t *testing.T) {
	h := setupTestServer(t).Handler()

	body, _ := json.Marshal(FragmentRequest{Title: "Stats", PanelContent: exampleFragment})
	if rec := doRequest(t, h, http.MethodPost, "/api/render/fragment?save=true", string(body)); rec.Code != http.StatusCreated {
		t.Fatalf("save fragment = %d: %s", rec.Code, rec.Body.String())
	}

	var summary GlobalStatsSummary
	rec := doRequest(t, h, http.MethodGet, "/api/stats/summary", "")
	decodeBody(t, rec, &summary)
	if summary.Renders.Renders != 1 || summary.Renders.Panels != 1 {
		t.Errorf("unexpected render summary: %+v", summary.Renders)
	}
	if summary.TotalRequests < 2 || summary.TemplatesCount < 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	var top []RouteStats
	rec = doRequest(t, h, http.MethodGet, "/api/stats/top_endpoints", "")
	decodeBody(t, rec, &top)
	if len(top) == 0 {
		t.Error("top endpoints should not be empty")
	}

	rec = doRequest(t, h, http.MethodGet, "/metrics", "")
	for _, want := range []string{"sketchdojo_http_requests_total", "sketchdojo_renders_total", "sketchdojo_render_panels"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("/metrics is missing %s", want)
		}
	}
}

func TestServer_Templates(t *testing.T) {
	srv := setupTestServer(t)
	h := srv.Handler()

	var names []string
	rec := doRequest(t, h, http.MethodGet, "/api/templates", "")
	decodeBody(t, rec, &names)
	if len(names) != 1 || names[0] != webtoon.DocumentTemplate {
		t.Errorf("GET /api/templates = %v", names)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/templates/preview?title=Preview", `<h1>{{ title }}</h1>{{ panel_content }}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<h1>Preview</h1>") ||
		!strings.Contains(rec.Body.String(), `id="panel-preview-1"`) {
		t.Errorf("preview = %d:\n%s", rec.Code, rec.Body.String())
	}

	if rec = doRequest(t, h, http.MethodPut, "/api/templates/custom.tmpl.html", `<p>{{ title }}</p>`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT template = %d: %s", rec.Code, rec.Body.String())
	}
	if rec = doRequest(t, h, http.MethodGet, "/api/templates/preview?name=custom.tmpl.html&title=Hi", ""); rec.Body.String() != "<p>Hi</p>" {
		t.Errorf("named preview = %q", rec.Body.String())
	}
	if rec = doRequest(t, h, http.MethodGet, "/api/templates/preview?name=missing.tmpl.html", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing preview = %d, want 404", rec.Code)
	}

	if rec = doRequest(t, h, http.MethodPut, "/api/templates/broken.tmpl.html", `{{ .Title `); rec.Code != http.StatusBadRequest {
		t.Errorf("PUT broken template = %d, want 400", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(srv.renderer.GetTemplateDir(), "broken.tmpl.html")); !os.IsNotExist(err) {
		t.Error("rejected template should not stay on disk")
	}
	if rec = doRequest(t, h, http.MethodPut, "/api/templates/notes.txt", `x`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad template name = %d, want 400", rec.Code)
	}

	if rec = doRequest(t, h, http.MethodDelete, "/api/templates/custom.tmpl.html", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE template = %d", rec.Code)
	}
	if rec = doRequest(t, h, http.MethodPost, "/api/templates/refresh", ""); rec.Code != http.StatusNoContent {
		t.Errorf("refresh = %d", rec.Code)
	}
}

func TestServer_BodyLimit(t *testing.T) {
	h := setupTestServer(t, func(c *Config) { c.Server.MaxBodyBytes = 64 }).Handler()
	big := `{"description":"` + strings.Repeat("x", 200) + `"}`

	tests := []struct {
		name, method, target string
	}{
		{"template put", http.MethodPut, "/api/templates/big.tmpl.html"},
		{"template preview", http.MethodPost, "/api/templates/preview"},
		{"key create", http.MethodPost, "/api/auth/keys"},
		{"config put", http.MethodPut, "/api/server/config"},
		{"render", http.MethodPost, "/api/render"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.target, big)
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("status = %d, want 413: %s", rec.Code, rec.Body.String())
			}
		})
	}

	if rec := doRequest(t, h, http.MethodPut, "/api/templates/small.tmpl.html", `<p>{{ title }}</p>`); rec.Code != http.StatusNoContent {
		t.Errorf("small body = %d, want 204", rec.Code)
	}
}

func TestServer_TemplateRefreshMetrics(t *testing.T) {
	srv := setupTestServer(t)
	h := srv.Handler()
	if err := os.MkdirAll(srv.renderer.GetTemplateDir(), 0755); err != nil {
		t.Fatal(err)
	}

	w, err := srv.newTemplateWatcher()
	if err != nil {
		t.Fatalf("newTemplateWatcher failed: %v", err)
	}
	if err = w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if rec := doRequest(t, h, http.MethodPost, "/api/templates/refresh", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("refresh = %d", rec.Code)
	}
	path := filepath.Join(srv.renderer.GetTemplateDir(), "hot.tmpl.html")
	if err = os.WriteFile(path, []byte(`<p>{{ title }}</p>`), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var body string
	for time.Now().Before(deadline) {
		body = doRequest(t, h, http.MethodGet, "/metrics", "").Body.String()
		if strings.Contains(body, `sketchdojo_template_refreshes_total{trigger="watcher"}`) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, want := range []string{`template_refreshes_total{trigger="api"} 1`, `template_refreshes_total{trigger="watcher"}`} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics is missing %s", want)
		}
	}
}

func TestServer_ConfigUpdate(t *testing.T) {
	srv := setupTestServer(t)
	h := srv.Handler()

	var cfg Config
	rec := doRequest(t, h, http.MethodGet, "/api/server/config", "")
	decodeBody(t, rec, &cfg)
	if cfg.Render == nil || cfg.Render.Minify {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	cfg.Render.Minify = true
	cfg.Render.DefaultTitle = "Untitled"
	body, _ := json.Marshal(cfg)
	if rec = doRequest(t, h, http.MethodPut, "/api/server/config", string(body)); rec.Code != http.StatusOK {
		t.Fatalf("PUT config = %d: %s", rec.Code, rec.Body.String())
	}
	if got := srv.renderer.GetConfig(); !got.Minify || got.DefaultTitle != "Untitled" {
		t.Errorf("renderer config not updated: %+v", got)
	}

	reloaded, created, err := LoadConfig(srv.config.configPath)
	if err != nil || created {
		t.Fatalf("LoadConfig = %v, created %v", err, created)
	}
	if !reloaded.Render.Minify {
		t.Error("config update was not persisted")
	}

	if rec = doRequest(t, h, http.MethodPut, "/api/server/config", `{"render_config":{}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete config = %d, want 400", rec.Code)
	}
}

func TestServer_RestartAction(t *testing.T) {
	path, cfg := writeTestConfig(t)
	cm, err := NewConfigManager(path)
	if err != nil {
		t.Fatal(err)
	}
	db, err := openDatabase(cfg.Server)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	actions := make(chan string, 1)
	srv, err := NewServer(cm, slog.New(slog.NewTextHandler(io.Discard, nil)), db, actions)
	if err != nil {
		t.Fatal(err)
	}
	if rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/server/restart", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("restart = %d", rec.Code)
	}
	if got := <-actions; got != actionRestart {
		t.Errorf("action = %q, want %q", got, actionRestart)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/":                          "/",
		"/health":                    "/health",
		"/static/output/x.html":      "/static/",
		"/api/render":                "/api/render",
		"/api/renders/abc":           "/api/renders/{id}",
		"/api/renders/abc/download":  "/api/renders/{id}/download",
		"/api/auth/keys/7":           "/api/auth/keys/{id}",
		"/api/templates/x.tmpl.html": "/api/templates/{name}",
		"/api/templates/preview":     "/api/templates/preview",
		"/api/unknown/thing":         "other",
		"/wp-login.php":              "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestEtagMatches(t *testing.T) {
	tests := []struct {
		header, etag string
		want         bool
	}{
		{"", `"a"`, false},
		{`"a"`, `"a"`, true},
		{`W/"a"`, `"a"`, true},
		{`"b", "a"`, `"a"`, true},
		{`"b"`, `"a"`, false},
		{"*", `"a"`, true},
	}
	for _, tt := range tests {
		if got := etagMatches(tt.header, tt.etag); got != tt.want {
			t.Errorf("etagMatches(%q, %q) = %v, want %v", tt.header, tt.etag, got, tt.want)
		}
	}
}
