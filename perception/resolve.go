package perception

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/webpilot/browser"
)

// Resolution strategies, in preference order.
const (
	StrategyID          = "id"
	StrategyText        = "text"
	StrategyPlaceholder = "placeholder"
	StrategyName        = "name"
	StrategyAriaLabel   = "aria-label"
	StrategyCoordinates = "coordinates"
)

// Resolve maps an index from the current cycle to a locator. Preference:
// id, short text, placeholder, name, aria-label, then the rectangle centre.
func Resolve(elements []Element, index int) (Locator, error) {
	el, ok := Find(elements, index)
	if !ok {
		return Locator{}, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}

	if id := strings.TrimSpace(el.ID); id != "" {
		if browser.CSSIdent(id) {
			return Locator{Selector: "#" + id, Strategy: StrategyID}, nil
		}
		return Locator{Selector: browser.CSSAttr("", "id", id), Strategy: StrategyID}, nil
	}
	if isShortText(el.Text) {
		return Locator{Selector: browser.TextSelector(el.Text), Strategy: StrategyText}, nil
	}
	if v := strings.TrimSpace(el.Placeholder); v != "" {
		return Locator{Selector: browser.CSSAttr(el.Tag, "placeholder", v), Strategy: StrategyPlaceholder}, nil
	}
	if v := strings.TrimSpace(el.Name); v != "" {
		return Locator{Selector: browser.CSSAttr(el.Tag, "name", v), Strategy: StrategyName}, nil
	}
	if v := strings.TrimSpace(el.AriaLabel); v != "" {
		return Locator{Selector: browser.CSSAttr(el.Tag, "aria-label", v), Strategy: StrategyAriaLabel}, nil
	}

	if el.Rect.Empty() {
		return Locator{}, fmt.Errorf("element %d has no selector and no area", index)
	}
	x, y := el.Rect.Center()
	return Locator{X: x, Y: y, Coordinates: true, Strategy: StrategyCoordinates}, nil
}

// Find returns the element carrying index.
func Find(elements []Element, index int) (Element, bool) {
	for _, e := range elements {
		if e.Index == index {
			return e, true
		}
	}
	return Element{}, false
}

func isShortText(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" &&
		!strings.ContainsAny(s, "\r\n") &&
		utf8.RuneCountInString(s) <= MaxShortTextRunes
}
