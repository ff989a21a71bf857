package webtoon

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildFragment(t *testing.T) {
	r, _ := setupTestRenderer(t, nil)

	panels := []Panel{
		{
			ID:        "p1",
			Size:      SizeHalf,
			Style:     StyleDream,
			ImagePath: "static/images/p1.png",
			Bubbles: []SpeechBubble{
				{Text: "Run!", Character: "Hero", Position: Anchored("top-right"), Style: BubbleShout},
				{Text: "...", Character: "Cat", Position: Anchored("bottom-left"), TailDirection: TailNone},
			},
			CharacterName: "Hero",
			Caption:       "Meanwhile",
			Effects:       []Effect{{Text: "BOOM"}},
		},
		{ID: "p2", ImagePath: "https://cdn.example.com/p2.png", Alt: "A city"},
	}
	fragment, err := r.BuildFragment(panels)
	if err != nil {
		t.Fatalf("BuildFragment failed: %v", err)
	}
	out := string(fragment)

	for _, want := range []string{
		`<div id="panel-p1" class="panel panel-half panel-dream">`,
		`<img src="/static/images/p1.png" alt="Panel p1">`,
		`<div class="speech-bubble shout" style="top: 10%;right: 10%;" data-character="Hero">`,
		`<div class="speech-content">Run!</div>`,
		`<div class="speech-tail speech-tail-bottom"></div>`,
		`<div class="speech-bubble" style="bottom: 10%;left: 10%;" data-character="Cat">`,
		`<div class="character-name">Hero</div>`,
		`<div class="caption">Meanwhile</div>`,
		`<div class="sound-effect" style="top: 50%; left: 50%;">BOOM</div>`,
		`<div id="panel-p2" class="panel panel-full">`,
		`<img src="https://cdn.example.com/p2.png" alt="A city">`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("fragment missing %s\n%s", want, out)
		}
	}
	if n := strings.Count(out, "speech-tail "); n != 1 {
		t.Errorf("expected exactly one tail, found %d", n)
	}

	report := LintFragment(out)
	if report.Panels != 2 || !report.OK() {
		t.Errorf("built fragment should lint clean, got %+v", report)
	}
}

func TestBuildFragment_EscapesText(t *testing.T) {
	r, _ := setupTestRenderer(t, nil)

	fragment, err := r.BuildFragment([]Panel{{ID: "x", Caption: `<img src=x onerror=alert(1)>`}})
	if err != nil {
		t.Fatalf("BuildFragment failed: %v", err)
	}
	if strings.Contains(string(fragment), "<img src=x") {
		t.Errorf("caption was not escaped: %s", fragment)
	}
}

func TestBuildFragment_Limits(t *testing.T) {
	config := DefaultConfig()
	config.MaxPanels = 2
	r, _ := setupTestRenderer(t, config)

	_, err := r.BuildFragment(make([]Panel, 3))
	if !errors.Is(err, ErrTooManyPanels) {
		t.Errorf("expected ErrTooManyPanels, got %v", err)
	}

	_, err = r.BuildFragment([]Panel{{ID: "p", Bubbles: []SpeechBubble{{Character: "a"}}}})
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}

func TestImageURL(t *testing.T) {
	tests := map[string]string{
		"static/images/a.png":  "/static/images/a.png",
		"/static/images/a.png": "/static/images/a.png",
		"http://host/a.png":    "http://host/a.png",
		"https://host/a.png":   "https://host/a.png",
	}
	for in, want := range tests {
		if got := imageURL(in); got != want {
			t.Errorf("imageURL(%q) = %q, want %q", in, got, want)
		}
	}
}
