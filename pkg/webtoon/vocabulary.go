package webtoon

import (
	"errors"
	"slices"
)

var (
	// ErrInvalidVocabulary is returned when a value falls outside the CSS class vocabulary.
	ErrInvalidVocabulary = errors.New("value outside the webtoon vocabulary")
	// ErrInvalidPosition is returned for malformed bubble or effect positions.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrMissingField is returned when a required panel or bubble field is empty.
	ErrMissingField = errors.New("missing required field")
	// ErrTooManyPanels is returned when a page exceeds RenderConfig.MaxPanels.
	ErrTooManyPanels = errors.New("too many panels")
)

// PanelSize selects the width class of a panel.
type PanelSize string

const (
	SizeFull  PanelSize = "full"
	SizeHalf  PanelSize = "half"
	SizeThird PanelSize = "third"
)

// PanelSizes is the fixed set of sizes the stylesheet lays out.
var PanelSizes = []PanelSize{SizeFull, SizeHalf, SizeThird}

func (s PanelSize) Valid() bool { return slices.Contains(PanelSizes, s) }

// Class returns the CSS class for the size, e.g. "panel-half".
func (s PanelSize) Class() string { return "panel-" + string(s) }

// PanelStyle selects the border treatment of a panel. The zero value adds no class.
type PanelStyle string

const (
	StyleNone      PanelStyle = ""
	StyleNormal    PanelStyle = "normal"
	StyleFlashback PanelStyle = "flashback"
	StyleDream     PanelStyle = "dream"
)

var PanelStyles = []PanelStyle{StyleNormal, StyleFlashback, StyleDream}

func (s PanelStyle) Valid() bool { return s == StyleNone || slices.Contains(PanelStyles, s) }

func (s PanelStyle) Class() string {
	if s == StyleNone {
		return ""
	}
	return "panel-" + string(s)
}

// BubbleStyle is the speech-bubble variant. Normal bubbles carry no variant class.
type BubbleStyle string

const (
	BubbleNormal  BubbleStyle = "normal"
	BubbleThought BubbleStyle = "thought"
	BubbleShout   BubbleStyle = "shout"
	BubbleWhisper BubbleStyle = "whisper"
)

var BubbleStyles = []BubbleStyle{BubbleNormal, BubbleThought, BubbleShout, BubbleWhisper}

func (s BubbleStyle) Valid() bool { return slices.Contains(BubbleStyles, s) }

// TailDirection is the side of the bubble its tail points from.
type TailDirection string

const (
	TailTop    TailDirection = "top"
	TailRight  TailDirection = "right"
	TailBottom TailDirection = "bottom"
	TailLeft   TailDirection = "left"
	TailNone   TailDirection = "none"
)

var TailDirections = []TailDirection{TailTop, TailRight, TailBottom, TailLeft, TailNone}

func (d TailDirection) Valid() bool { return slices.Contains(TailDirections, d) }

// HasTail reports whether a tail element should be emitted.
func (d TailDirection) HasTail() bool { return d != TailNone && d != "" }

// Class returns the CSS class for the tail, e.g. "speech-tail-left".
func (d TailDirection) Class() string { return "speech-tail-" + string(d) }

// BubbleSize is carried through the data model; the stylesheet does not size bubbles yet.
type BubbleSize string

const (
	BubbleSmall  BubbleSize = "small"
	BubbleMedium BubbleSize = "medium"
	BubbleLarge  BubbleSize = "large"
)

var BubbleSizes = []BubbleSize{BubbleSmall, BubbleMedium, BubbleLarge}

func (s BubbleSize) Valid() bool { return slices.Contains(BubbleSizes, s) }
