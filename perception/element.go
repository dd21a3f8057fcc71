package perception

import (
	"errors"
	"unicode/utf8"
)

// Limits applied to element fields.
const (
	MaxTextRunes      = 80
	MaxShortTextRunes = 40
	maxFieldRunes     = 60
)

// ErrUnknownIndex is returned when an index is not part of the current annotation cycle.
var ErrUnknownIndex = errors.New("element index not found")

// Rect is an element's bounding box in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the rectangle centre.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Element is one interactive element indexed during an annotation cycle.
// Indices are 1-based and only valid until the next Annotate call.
type Element struct {
	Index       int    `json:"index"`
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	AriaLabel   string `json:"aria_label,omitempty"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Href        string `json:"href,omitempty"`
	Value       string `json:"value,omitempty"`
	Rect        Rect   `json:"rect"`
}

// Locator is the concrete target an index resolves to: a selector, or a
// coordinate pair for raw input dispatch when no stable selector exists.
type Locator struct {
	Selector    string  `json:"selector,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
	Coordinates bool    `json:"coordinates,omitempty"`
	Strategy    string  `json:"strategy"`
}

// String renders the locator for step records.
func (l Locator) String() string {
	if l.Coordinates {
		return formatPoint(l.X, l.Y)
	}
	return l.Selector
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
