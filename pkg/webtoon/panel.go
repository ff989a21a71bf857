package webtoon

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// cssLength matches the offsets accepted in explicit positions, e.g. "10%", "-4px", "2.5em".
var cssLength = regexp.MustCompile(`^-?\d+(\.\d+)?(%|px|em|rem|vh|vw)?$`)

var offsetKeys = []string{"bottom", "left", "right", "top"}

// Position places a bubble inside its panel. It is either a named anchor such as
// "top-left" or "center", or a set of explicit CSS offsets keyed by top/bottom/left/right.
// In JSON it is a string or an object respectively.
type Position struct {
	Anchor  string
	Offsets map[string]string
}

// At returns a Position with explicit offsets.
func At(offsets map[string]string) Position { return Position{Offsets: offsets} }

// Anchored returns a Position with a named anchor.
func Anchored(anchor string) Position { return Position{Anchor: anchor} }

func (p Position) IsZero() bool { return p.Anchor == "" && len(p.Offsets) == 0 }

func (p *Position) UnmarshalJSON(data []byte) error {
	var anchor string
	if err := json.Unmarshal(data, &anchor); err == nil {
		*p = Position{Anchor: anchor}
		return nil
	}
	var offsets map[string]string
	if err := json.Unmarshal(data, &offsets); err != nil {
		return fmt.Errorf("%w: expected string or object", ErrInvalidPosition)
	}
	*p = Position{Offsets: offsets}
	return nil
}

func (p Position) MarshalJSON() ([]byte, error) {
	if len(p.Offsets) > 0 {
		return json.Marshal(p.Offsets)
	}
	return json.Marshal(p.Anchor)
}

// Validate checks the anchor grammar ("vertical-horizontal" or "center") or that every
// explicit offset is a known side with a plain CSS length.
func (p Position) Validate() error {
	if len(p.Offsets) > 0 {
		for k, v := range p.Offsets {
			if !slices.Contains(offsetKeys, k) {
				return fmt.Errorf("%w: unknown offset %q", ErrInvalidPosition, k)
			}
			if !cssLength.MatchString(v) {
				return fmt.Errorf("%w: offset %s=%q is not a CSS length", ErrInvalidPosition, k, v)
			}
		}
		return nil
	}
	if p.Anchor == "" {
		return fmt.Errorf("%w: empty anchor", ErrInvalidPosition)
	}
	parts := strings.Split(p.Anchor, "-")
	if len(parts) > 2 {
		return fmt.Errorf("%w: %q should be vertical-horizontal", ErrInvalidPosition, p.Anchor)
	}
	switch parts[0] {
	case "top", "center", "bottom":
	default:
		return fmt.Errorf("%w: vertical part of %q must be top, center or bottom", ErrInvalidPosition, p.Anchor)
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "left", "center", "right":
		default:
			return fmt.Errorf("%w: horizontal part of %q must be left, center or right", ErrInvalidPosition, p.Anchor)
		}
	}
	return nil
}

// Style returns the inline CSS for the position. Callers must Validate first;
// the result is trusted by html/template.
func (p Position) Style() template.CSS {
	var b strings.Builder
	if len(p.Offsets) > 0 {
		keys := make([]string, 0, len(p.Offsets))
		for k := range p.Offsets {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			b.WriteString(k + ": " + p.Offsets[k] + ";")
		}
		return template.CSS(b.String())
	}
	if p.Anchor == "center" {
		return "top: 50%; left: 50%; transform: translate(-50%, -50%);"
	}

	parts := strings.Split(p.Anchor, "-")
	has := func(s string) bool { return slices.Contains(parts, s) }
	if has("top") {
		b.WriteString("top: 10%;")
	}
	if has("bottom") {
		b.WriteString("bottom: 10%;")
	}
	if has("left") {
		b.WriteString("left: 10%;")
	}
	if has("right") {
		b.WriteString("right: 10%;")
	}
	if has("center") {
		if has("top") || has("bottom") {
			b.WriteString("left: 50%; transform: translateX(-50%);")
		} else {
			b.WriteString("top: 50%; transform: translateY(-50%);")
		}
	}
	return template.CSS(b.String())
}

// SpeechBubble is a line of dialogue attributed to a character.
type SpeechBubble struct {
	Text          string        `json:"text"`
	Character     string        `json:"character"`
	Position      Position      `json:"position"`
	Style         BubbleStyle   `json:"style,omitempty"`
	TailDirection TailDirection `json:"tail_direction,omitempty"`
	Size          BubbleSize    `json:"size,omitempty"`
}

func (b SpeechBubble) Validate() error {
	var errs []error
	if b.Text == "" {
		errs = append(errs, fmt.Errorf("%w: text", ErrMissingField))
	}
	if b.Character == "" {
		errs = append(errs, fmt.Errorf("%w: character", ErrMissingField))
	}
	if !b.Style.Valid() {
		errs = append(errs, fmt.Errorf("%w: bubble style %q", ErrInvalidVocabulary, b.Style))
	}
	if !b.TailDirection.Valid() {
		errs = append(errs, fmt.Errorf("%w: tail direction %q", ErrInvalidVocabulary, b.TailDirection))
	}
	if !b.Size.Valid() {
		errs = append(errs, fmt.Errorf("%w: bubble size %q", ErrInvalidVocabulary, b.Size))
	}
	if err := b.Position.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DialogueLine is unplaced dialogue. In JSON it is either a bare string or an
// object with "character" and "text".
type DialogueLine struct {
	Character string `json:"character,omitempty"`
	Text      string `json:"text"`
}

func (d *DialogueLine) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*d = DialogueLine{Text: text}
		return nil
	}
	type plain DialogueLine
	var line plain
	if err := json.Unmarshal(data, &line); err != nil {
		return err
	}
	*d = DialogueLine(line)
	return nil
}

// effectProps are the extra CSS properties an effect may set.
var effectProps = []string{"color", "font-size", "font-weight", "letter-spacing", "opacity", "transform"}

// cssValue accepts plain CSS values such as "#f00", "2em" or "rotate(-10deg)".
var cssValue = regexp.MustCompile(`^[#a-zA-Z0-9%.,() -]+$`)

// Effect is a sound-effect overlay. In JSON it is a bare string (centred) or an
// object with "text", "top", "left" and an optional "style" map of CSS properties.
type Effect struct {
	Text   string            `json:"text"`
	Top    string            `json:"top,omitempty"`
	Left   string            `json:"left,omitempty"`
	Styles map[string]string `json:"style,omitempty"`
}

func (e *Effect) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*e = Effect{Text: text}
		return nil
	}
	type plain Effect
	var eff plain
	if err := json.Unmarshal(data, &eff); err != nil {
		return err
	}
	*e = Effect(eff)
	return nil
}

func (e Effect) Validate() error {
	if e.Text == "" {
		return fmt.Errorf("%w: effect text", ErrMissingField)
	}
	for _, v := range []string{e.Top, e.Left} {
		if v != "" && !cssLength.MatchString(v) {
			return fmt.Errorf("%w: effect offset %q is not a CSS length", ErrInvalidPosition, v)
		}
	}
	for k, v := range e.Styles {
		if !slices.Contains(effectProps, k) {
			return fmt.Errorf("%w: effect style property %q", ErrInvalidVocabulary, k)
		}
		if !cssValue.MatchString(v) {
			return fmt.Errorf("%w: effect style %s=%q", ErrInvalidVocabulary, k, v)
		}
	}
	return nil
}

// Style returns the inline CSS for the effect, defaulting to the panel centre.
func (e Effect) Style() template.CSS {
	top, left := e.Top, e.Left
	if top == "" {
		top = "50%"
	}
	if left == "" {
		left = "50%"
	}
	var b strings.Builder
	b.WriteString("top: " + top + "; left: " + left + ";")
	keys := make([]string, 0, len(e.Styles))
	for k := range e.Styles {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteString(" " + k + ": " + e.Styles[k] + ";")
	}
	return template.CSS(b.String())
}

// Panel is a single comic frame: an image with optional overlays.
type Panel struct {
	ID            string         `json:"panel_id,omitempty"`
	Description   string         `json:"description,omitempty"`
	Size          PanelSize      `json:"size,omitempty"`
	Style         PanelStyle     `json:"style,omitempty"`
	ImagePath     string         `json:"image_path,omitempty"`
	Alt           string         `json:"alt,omitempty"`
	Caption       string         `json:"caption,omitempty"`
	CharacterName string         `json:"character_name,omitempty"`
	Bubbles       []SpeechBubble `json:"speech_bubbles,omitempty"`
	Dialogue      []DialogueLine `json:"dialogue,omitempty"`
	Effects       []Effect       `json:"effects,omitempty"`
}

// Validate returns every problem with the panel joined into one error.
func (p Panel) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, fmt.Errorf("%w: panel_id", ErrMissingField))
	}
	if !p.Size.Valid() {
		errs = append(errs, fmt.Errorf("%w: panel size %q", ErrInvalidVocabulary, p.Size))
	}
	if !p.Style.Valid() {
		errs = append(errs, fmt.Errorf("%w: panel style %q", ErrInvalidVocabulary, p.Style))
	}
	for i, b := range p.Bubbles {
		if err := b.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("bubble %d: %w", i, err))
		}
	}
	for i, e := range p.Effects {
		if err := e.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("effect %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// defaultAnchors is the order in which unplaced bubbles are distributed.
var defaultAnchors = []string{"top-right", "top-left", "bottom-right"}

// ApplyLayout returns a copy of panels with defaults filled in: a generated ID, full
// size, and for each bubble the normal style, a bottom tail, medium size and, when
// missing, an anchor. Panels that only carry dialogue get one bubble per line,
// stacked down and to the right.
func ApplyLayout(panels []Panel) []Panel {
	out := make([]Panel, len(panels))
	for i, p := range panels {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Size == "" {
			p.Size = SizeFull
		}

		if len(p.Bubbles) == 0 && len(p.Dialogue) > 0 {
			p.Bubbles = dialogueBubbles(p.Dialogue)
		} else {
			p.Bubbles = slices.Clone(p.Bubbles)
		}
		for j := range p.Bubbles {
			b := &p.Bubbles[j]
			if b.Style == "" {
				b.Style = BubbleNormal
			}
			if b.TailDirection == "" {
				b.TailDirection = TailBottom
			}
			if b.Size == "" {
				b.Size = BubbleMedium
			}
			if b.Position.IsZero() {
				if j < len(defaultAnchors) {
					b.Position = Anchored(defaultAnchors[j])
				} else {
					b.Position = Anchored("bottom-left")
				}
			}
		}
		out[i] = p
	}
	return out
}

func dialogueBubbles(lines []DialogueLine) []SpeechBubble {
	bubbles := make([]SpeechBubble, 0, len(lines))
	for i, line := range lines {
		character := line.Character
		if character == "" {
			character = fmt.Sprintf("character-%d", i+1)
		}
		bubbles = append(bubbles, SpeechBubble{
			Text:      line.Text,
			Character: character,
			Position: At(map[string]string{
				"top":  fmt.Sprintf("%d%%", 10+i*20),
				"left": fmt.Sprintf("%d%%", 10+i*5),
			}),
		})
	}
	return bubbles
}
