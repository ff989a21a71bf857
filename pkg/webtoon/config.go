package webtoon

// RenderConfig holds all configuration options for the rendering engine.
type RenderConfig struct {
	// DefaultTitle is used whenever a page is rendered with an empty title.
	DefaultTitle string `json:"default_title"`

	// TimestampLayout is the time layout used by FormatTimestamp for footer stamps.
	TimestampLayout string `json:"timestamp_layout"`

	// Minify passes every rendered document through the HTML minifier.
	Minify bool `json:"minify"`

	// MaxPanels sets a hard upper limit on the number of panels in a single page.
	// Zero disables the limit.
	MaxPanels int `json:"max_panels"`

	// SanitizeFragments strips markup outside the panel vocabulary from
	// externally supplied fragments before they are rendered.
	SanitizeFragments bool `json:"sanitize_fragments"`
}

// DefaultConfig returns a RenderConfig with safe default values.
func DefaultConfig() *RenderConfig {
	return &RenderConfig{
		DefaultTitle:      "SketchDojo Webtoon",
		TimestampLayout:   "2006-01-02 15:04",
		Minify:            false,
		MaxPanels:         50,
		SanitizeFragments: true,
	}
}
