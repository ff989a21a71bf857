package webtoon

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strings"
)

func (r *Renderer) makeFuncMap() template.FuncMap {
	return template.FuncMap{
		"panelClass":  panelClass,
		"bubbleClass": bubbleClass,
		"imageURL":    imageURL,
	}
}

// panelClass returns the class list of a panel element, e.g. "panel panel-half panel-dream".
func panelClass(p Panel) string {
	classes := []string{"panel", p.Size.Class()}
	if c := p.Style.Class(); c != "" {
		classes = append(classes, c)
	}
	return strings.Join(classes, " ")
}

// bubbleClass returns "speech-bubble" plus the variant class for non-normal bubbles.
func bubbleClass(b SpeechBubble) string {
	if b.Style == "" || b.Style == BubbleNormal {
		return "speech-bubble"
	}
	return "speech-bubble " + string(b.Style)
}

// imageURL keeps absolute http(s) URLs and roots relative paths at the site root.
func imageURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// preparePanels lays out and validates panels. The caller must hold r.mu.
func (r *Renderer) preparePanels(panels []Panel) ([]Panel, error) {
	if r.config.MaxPanels > 0 && len(panels) > r.config.MaxPanels {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPanels, len(panels), r.config.MaxPanels)
	}
	laid := ApplyLayout(panels)
	var errs []error
	for i, p := range laid {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("panel %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return laid, nil
}

// buildFragment executes the panel partial for each panel. The caller must hold r.mu.
func (r *Renderer) buildFragment(panels []Panel) (template.HTML, error) {
	var buf bytes.Buffer
	for i, p := range panels {
		if err := r.templates.ExecuteTemplate(&buf, PanelTemplate, p); err != nil {
			return "", fmt.Errorf("render panel %d: %w", i, err)
		}
	}
	// The partial's output is escaped by html/template, so it is safe to embed verbatim.
	return template.HTML(buf.String()), nil
}

// BuildFragment lays out, validates and renders panels into the markup expected by
// the {{ panel_content }} placeholder.
func (r *Renderer) BuildFragment(panels []Panel) (template.HTML, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	laid, err := r.preparePanels(panels)
	if err != nil {
		return "", err
	}
	return r.buildFragment(laid)
}
