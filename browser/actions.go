package browser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultScrollDelta = 600
	defaultWait        = time.Second
	maxWait            = 10 * time.Second
)

// ScrollDelta interprets a scroll value: "down", "up", "top", "bottom" or a pixel count.
func ScrollDelta(value string) int {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "", "down":
		return defaultScrollDelta
	case "up":
		return -defaultScrollDelta
	case "top":
		return -1 << 20
	case "bottom":
		return 1 << 20
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(v, "px")); err == nil {
		return n
	}
	return defaultScrollDelta
}

// WaitDuration interprets a wait value ("2s", "500ms", "3") capped at ten seconds.
func WaitDuration(value string) time.Duration {
	v := strings.TrimSpace(value)
	if v == "" {
		return defaultWait
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.ParseFloat(v, 64)
		if convErr != nil {
			return defaultWait
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return defaultWait
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

// NormalizeKey maps common key names to their DOM key names ("return" -> "Enter").
func NormalizeKey(key string) string {
	k := strings.TrimSpace(key)
	switch strings.ToLower(k) {
	case "enter", "return", "\r", "\n":
		return "Enter"
	case "tab":
		return "Tab"
	case "esc", "escape":
		return "Escape"
	case "backspace":
		return "Backspace"
	case "delete", "del":
		return "Delete"
	case "space", " ":
		return "Space"
	case "up", "arrowup":
		return "ArrowUp"
	case "down", "arrowdown":
		return "ArrowDown"
	case "left", "arrowleft":
		return "ArrowLeft"
	case "right", "arrowright":
		return "ArrowRight"
	case "home":
		return "Home"
	case "end":
		return "End"
	case "pageup":
		return "PageUp"
	case "pagedown":
		return "PageDown"
	}
	return k
}

// SelectScript returns a JS expression choosing the option of sel whose value or label equals value.
// It evaluates to true when an option was selected.
func SelectScript(sel, value string) string {
	return fmt.Sprintf(`(() => {
  const el = %s;
  if (!el || !el.options) return false;
  const want = %s;
  const opt = Array.from(el.options).find(o => o.value === want || o.text.trim() === want);
  if (!opt) return false;
  el.value = opt.value;
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return true;
})()`, LookupScript(sel), JSString(value))
}

// ScrollScript returns a JS expression scrolling the window by dy pixels.
func ScrollScript(dy int) string {
	return fmt.Sprintf("window.scrollBy(0, %d)", dy)
}

// CenterScript returns a JS expression evaluating to the viewport centre of sel as {x, y}, or null.
func CenterScript(sel string) string {
	return fmt.Sprintf(`(() => {
  const el = %s;
  if (!el) return null;
  el.scrollIntoView({ block: 'center', inline: 'center' });
  const r = el.getBoundingClientRect();
  return { x: r.left + r.width / 2, y: r.top + r.height / 2 };
})()`, LookupScript(sel))
}

// Point is a viewport coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const textContentScript = `document.body ? document.body.innerText : ""`

func unsupportedAction(kind ActionKind) error {
	return fmt.Errorf("unsupported action: %s", kind)
}

func requireSelector(kind ActionKind, selector string) error {
	if strings.TrimSpace(selector) == "" {
		return fmt.Errorf("%s requires a selector", kind)
	}
	return nil
}
