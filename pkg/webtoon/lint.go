package webtoon

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrMalformedDocument is returned by CheckDocument.
var ErrMalformedDocument = errors.New("malformed webtoon document")

// Issue codes reported by LintFragment.
const (
	IssueMissingSize      = "missing-size"
	IssueConflictingSize  = "conflicting-size"
	IssueUnknownPanel     = "unknown-panel-class"
	IssueUnknownBubble    = "unknown-bubble-variant"
	IssueUnknownTail      = "unknown-tail"
	IssueMissingTailClass = "missing-tail-direction"
	IssueOutsidePanel     = "panel-class-outside-panel"
	IssueHeading          = "heading-in-fragment"
)

// Issue is a single vocabulary violation. Panel is the zero-based index of the
// enclosing panel, or -1 when the element sits outside any panel.
type Issue struct {
	Code  string `json:"code"`
	Class string `json:"class,omitempty"`
	Panel int    `json:"panel"`
}

func (i Issue) String() string {
	if i.Class == "" {
		return fmt.Sprintf("panel %d: %s", i.Panel, i.Code)
	}
	return fmt.Sprintf("panel %d: %s (%s)", i.Panel, i.Code, i.Class)
}

// Report is the result of linting a fragment.
type Report struct {
	Panels int     `json:"panels"`
	Issues []Issue `json:"issues"`
}

func (r Report) OK() bool { return len(r.Issues) == 0 }

// auxiliary panel-prefixed classes that are not panel modifiers
var panelAuxClasses = []string{"panel-image"}

// LintFragment checks a panel_content fragment against the CSS class vocabulary.
// Unrecognized classes render without layout, so they are reported, not rejected.
func LintFragment(fragment string) Report {
	report := Report{Issues: []Issue{}}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), body)
	if err != nil {
		// The HTML5 parser recovers from nearly everything; treat failure as no panels.
		return report
	}
	for _, n := range nodes {
		lintNode(n, -1, &report)
	}
	return report
}

func lintNode(n *html.Node, panel int, report *Report) {
	if n.Type == html.ElementNode {
		classes := classList(n)
		if n.DataAtom == atom.H1 {
			// the document owns the only <h1>
			report.Issues = append(report.Issues, Issue{Code: IssueHeading, Class: "h1", Panel: panel})
		}
		if !slices.Contains(classes, "panel") {
			lintStrayPanelClasses(classes, panel, report)
		}
		switch {
		case slices.Contains(classes, "panel"):
			panel = report.Panels
			report.Panels++
			lintPanel(classes, panel, report)
		case slices.Contains(classes, "speech-bubble"):
			for _, c := range classes {
				if c == "speech-bubble" {
					continue
				}
				if !BubbleStyle(c).Valid() {
					report.Issues = append(report.Issues, Issue{Code: IssueUnknownBubble, Class: c, Panel: panel})
				}
			}
		case slices.Contains(classes, "speech-tail"):
			found := false
			for _, c := range classes {
				dir, ok := strings.CutPrefix(c, "speech-tail-")
				if !ok {
					continue
				}
				found = true
				if d := TailDirection(dir); !d.Valid() || !d.HasTail() {
					report.Issues = append(report.Issues, Issue{Code: IssueUnknownTail, Class: c, Panel: panel})
				}
			}
			if !found {
				report.Issues = append(report.Issues, Issue{Code: IssueMissingTailClass, Panel: panel})
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		lintNode(c, panel, report)
	}
}

func lintPanel(classes []string, panel int, report *Report) {
	sizes := 0
	for _, c := range classes {
		mod, ok := strings.CutPrefix(c, "panel-")
		if !ok || slices.Contains(panelAuxClasses, c) {
			continue
		}
		switch {
		case PanelSize(mod).Valid():
			sizes++
		case PanelStyle(mod).Valid():
		default:
			report.Issues = append(report.Issues, Issue{Code: IssueUnknownPanel, Class: c, Panel: panel})
		}
	}
	switch {
	case sizes == 0:
		report.Issues = append(report.Issues, Issue{Code: IssueMissingSize, Panel: panel})
	case sizes > 1:
		report.Issues = append(report.Issues, Issue{Code: IssueConflictingSize, Panel: panel})
	}
}

// lintStrayPanelClasses reports panel modifiers on an element that is not a panel.
// Known sizes and styles have no effect there; unknown ones are reported as such.
func lintStrayPanelClasses(classes []string, panel int, report *Report) {
	for _, c := range classes {
		mod, ok := strings.CutPrefix(c, "panel-")
		if !ok || slices.Contains(panelAuxClasses, c) {
			continue
		}
		code := IssueOutsidePanel
		if !PanelSize(mod).Valid() && !PanelStyle(mod).Valid() {
			code = IssueUnknownPanel
		}
		report.Issues = append(report.Issues, Issue{Code: code, Class: c, Panel: panel})
	}
}

func classList(n *html.Node) []string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == "class" {
			return strings.Fields(a.Val)
		}
	}
	return nil
}

// CheckDocument verifies a rendered page: it must have a <title>, exactly one <h1>
// whose text is title, and the footer block.
func CheckDocument(doc, title string) error {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	var h1s []*html.Node
	var hasTitle, hasFooter bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.H1:
				h1s = append(h1s, n)
			case atom.Title:
				hasTitle = true
			}
			if slices.Contains(classList(n), "webtoon-footer") {
				hasFooter = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var errs []error
	if !hasTitle {
		errs = append(errs, errors.New("no <title> element"))
	}
	if len(h1s) != 1 {
		errs = append(errs, fmt.Errorf("expected exactly one <h1>, found %d", len(h1s)))
	} else if got, want := strings.TrimSpace(textContent(h1s[0])), strings.TrimSpace(title); got != want {
		errs = append(errs, fmt.Errorf("<h1> reads %q, want %q", got, want))
	}
	if !hasFooter {
		errs = append(errs, errors.New("no webtoon-footer block"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMalformedDocument, errors.Join(errs...))
	}
	return nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
