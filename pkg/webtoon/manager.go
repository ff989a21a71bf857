package webtoon

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
)

const (
	// DocumentTemplate is the name of the page template.
	DocumentTemplate = "webtoon.tmpl.html"
	// PanelTemplate is the partial executed once per structured panel.
	PanelTemplate = "panel"
)

//go:embed templates/*.html
var defaultTemplates embed.FS

var placeholderPattern = regexp.MustCompile(`\{\{\s*(title|panel_content|timestamp)\s*\}\}`)

var placeholderFields = map[string]string{
	"title":         "{{.Title}}",
	"panel_content": "{{.PanelContent}}",
	"timestamp":     "{{.Timestamp}}",
}

// normalizePlaceholders rewrites the {{ title }} style placeholders to Page fields.
func normalizePlaceholders(src string) string {
	return placeholderPattern.ReplaceAllStringFunc(src, func(m string) string {
		return placeholderFields[placeholderPattern.FindStringSubmatch(m)[1]]
	})
}

// Page is the data substituted into the document template.
type Page struct {
	Title        string
	PanelContent template.HTML
	Timestamp    string
}

// Renderer is the central controller for the rendering engine.
// It manages the template set, configuration and function map, and is responsible for
// loading, parsing, and executing templates in a concurrent-safe manner.
// All methods are concurrent-safe.
type Renderer struct {
	logger         *slog.Logger
	config         *RenderConfig
	templates      *template.Template
	cleanTemplates *template.Template
	templateNames  []string
	funcMap        template.FuncMap
	templateDir    string
	minifier       *minify.M
	mu             sync.RWMutex
}

// NewRenderer creates, initializes, and returns a new Renderer. templateDir may be
// empty or point to a directory that does not exist yet, in which case only the
// embedded templates are used. It performs an initial Refresh.
func NewRenderer(logger *slog.Logger, config *RenderConfig, templateDir string) (*Renderer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.Add("text/html", &html.Minifier{KeepDocumentTags: true, KeepEndTags: true})

	r := &Renderer{
		logger:      logger,
		config:      config,
		templateDir: templateDir,
		minifier:    m,
	}
	r.funcMap = r.makeFuncMap()

	if err := r.Refresh(); err != nil {
		return nil, err
	}

	logger.Info("Renderer initialized", "template_dir", templateDir)
	return r, nil
}

// SetConfig applies a new configuration without reloading templates.
func (r *Renderer) SetConfig(config *RenderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = config
}

// parseGlob parses every file matching pattern in fsys into set, naming each
// template after its base file name. Placeholders are normalized first.
func parseGlob(set *template.Template, fsys fs.FS, pattern string) ([]string, error) {
	matches, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, match := range matches {
		b, err := fs.ReadFile(fsys, match)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", match, err)
		}
		name := path.Base(match)
		if _, err = set.New(name).Parse(normalizePlaceholders(string(b))); err != nil {
			return nil, fmt.Errorf("parse %s: %w", match, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// Refresh reloads the embedded templates and then any overrides from the template
// directory. If parsing fails the previously loaded set stays active.
func (r *Renderer) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := template.New("").Funcs(r.funcMap)
	names, err := parseGlob(set, defaultTemplates, "templates/*.tmpl.html")
	if err != nil {
		return fmt.Errorf("failed to parse embedded templates: %w", err)
	}
	if _, err = parseGlob(set, defaultTemplates, "templates/*.part.html"); err != nil {
		return fmt.Errorf("failed to parse embedded partials: %w", err)
	}

	if r.templateDir != "" {
		info, statErr := os.Stat(r.templateDir)
		switch {
		case statErr == nil && info.IsDir():
			r.logger.Info("Loading template overrides...", "dir", r.templateDir)
			dirFS := os.DirFS(r.templateDir)
			custom, err := parseGlob(set, dirFS, "*.tmpl.html")
			if err != nil {
				r.logger.Error("failed to parse template files", "error", err)
				return err
			}
			if _, err = parseGlob(set, dirFS, "*.part.html"); err != nil {
				r.logger.Error("failed to parse partial files", "error", err)
				return err
			}
			names = append(names, custom...)
		case statErr != nil && !errors.Is(statErr, fs.ErrNotExist):
			r.logger.Warn("Template directory unavailable, using embedded templates", "dir", r.templateDir, "error", statErr)
		}
	}

	if set.Lookup(DocumentTemplate) == nil || set.Lookup(PanelTemplate) == nil {
		return fmt.Errorf("template set is missing %q or %q", DocumentTemplate, PanelTemplate)
	}

	clean, err := set.Clone()
	if err != nil {
		r.logger.Error("failed to create a clean clone of templates", "error", err)
		return err
	}

	slices.Sort(names)
	r.templates = set
	r.cleanTemplates = clean
	r.templateNames = slices.Compact(names)
	r.logger.Info("Loaded template files", "count", len(r.templateNames))
	return nil
}

// execute runs a named template, defaulting the title and minifying when enabled.
// The caller must hold r.mu.
func (r *Renderer) execute(w io.Writer, t *template.Template, name string, page Page) error {
	if page.Title == "" {
		page.Title = r.config.DefaultTitle
	}
	if !r.config.Minify {
		return t.ExecuteTemplate(w, name, page)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, page); err != nil {
		return err
	}
	return r.minifier.Minify("text/html", w, &buf)
}

// Execute renders a specific template by name, writing the output to w.
// An empty name selects the document template.
func (r *Renderer) Execute(w io.Writer, name string, page Page) error {
	if name == "" {
		name = DocumentTemplate
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.execute(w, r.templates, name, page)
}

// Render substitutes page into the document template.
func (r *Renderer) Render(w io.Writer, page Page) error {
	return r.Execute(w, DocumentTemplate, page)
}

// RenderPanels builds the panel fragment from structured panels and renders the page.
func (r *Renderer) RenderPanels(w io.Writer, title string, panels []Panel, timestamp string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	laid, err := r.preparePanels(panels)
	if err != nil {
		return err
	}
	fragment, err := r.buildFragment(laid)
	if err != nil {
		return err
	}
	return r.execute(w, r.templates, DocumentTemplate, Page{Title: title, PanelContent: fragment, Timestamp: timestamp})
}

// RenderFragment renders an externally built fragment. The fragment is sanitized when
// the configuration asks for it and linted either way; lint findings never stop rendering.
func (r *Renderer) RenderFragment(w io.Writer, title, fragment, timestamp string) (Report, error) {
	r.mu.RLock()
	sanitize := r.config.SanitizeFragments
	r.mu.RUnlock()

	content := template.HTML(fragment)
	if sanitize {
		content = SanitizeFragment(fragment)
	}
	report := LintFragment(string(content))
	r.logger.Debug("Rendering fragment", "panels", report.Panels, "issues", len(report.Issues), "sanitized", sanitize)
	return report, r.Render(w, Page{Title: title, PanelContent: content, Timestamp: timestamp})
}

// FormatTimestamp formats t with the configured footer layout.
func (r *Renderer) FormatTimestamp(t time.Time) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return t.Format(r.config.TimestampLayout)
}

// GetConfig returns a copy of the current configuration.
// This mainly exists for concurrency-safety reasons.
func (r *Renderer) GetConfig() RenderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.config
}

// GetTemplateNames returns the sorted names of the loaded template files.
func (r *Renderer) GetTemplateNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.templateNames)
}

// GetTemplateDir returns the override directory that the Renderer uses.
func (r *Renderer) GetTemplateDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.templateDir
}

// ExecuteTemplateString parses and executes a raw template string using the renderer's
// function map and partials. This is ideal for previewing templates without saving them to disk.
func (r *Renderer) ExecuteTemplateString(w io.Writer, content string, page Page) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Clone the clean, unexecuted template set to avoid race conditions and execution state issues.
	tempSet, err := r.cleanTemplates.Clone()
	if err != nil {
		return fmt.Errorf("failed to clone clean templates for string execution: %w", err)
	}

	t, err := tempSet.New("preview").Parse(normalizePlaceholders(content))
	if err != nil {
		return fmt.Errorf("failed to parse string template: %w", err)
	}

	return r.execute(w, t, "preview", page)
}
