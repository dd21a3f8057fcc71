package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SelectorKind tells a backend which query engine a parsed selector targets.
type SelectorKind int

const (
	SelectorCSS SelectorKind = iota
	SelectorXPath
)

const (
	textPrefix  = "text="
	xpathPrefix = "xpath="
)

// TextSelector builds a selector matching the deepest element whose normalized text equals label.
func TextSelector(label string) string {
	return textPrefix + label
}

// ParseSelector translates the shared selector grammar into a backend query.
//
//	"#login"          -> CSS
//	"text=Sign in"    -> XPath on normalized text
//	"xpath=//form[1]" -> XPath
//	"//button"        -> XPath
func ParseSelector(sel string) (string, SelectorKind) {
	sel = strings.TrimSpace(sel)
	switch {
	case strings.HasPrefix(sel, textPrefix):
		lit := XPathLiteral(strings.TrimSpace(strings.TrimPrefix(sel, textPrefix)))
		return fmt.Sprintf("(//*[normalize-space(.)=%s][not(*[normalize-space(.)=%s])])[1]", lit, lit), SelectorXPath
	case strings.HasPrefix(sel, xpathPrefix):
		return strings.TrimPrefix(sel, xpathPrefix), SelectorXPath
	case strings.HasPrefix(sel, "//") || strings.HasPrefix(sel, "(//"):
		return sel, SelectorXPath
	default:
		return sel, SelectorCSS
	}
}

// XPathLiteral quotes s as an XPath 1.0 string literal. XPath has no escape
// sequences, so values holding both quote kinds are built with concat().
func XPathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	args := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			args = append(args, `'"'`)
		}
		if p != "" {
			args = append(args, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(args, ", ") + ")"
}

// CSSAttr builds an attribute selector such as input[name="email"].
func CSSAttr(tag, attr, value string) string {
	return fmt.Sprintf(`%s[%s="%s"]`, tag, attr, CSSEscapeString(value))
}

// CSSEscapeString escapes a value for use inside a double-quoted CSS string.
func CSSEscapeString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `, "\r", `\d `)
	return r.Replace(s)
}

// CSSIdent reports whether s can be used verbatim after "#" in a CSS selector.
func CSSIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '-' || r == '_':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case r > 0x7f:
		default:
			return false
		}
	}
	return !(s[0] == '-' && len(s) > 1 && s[1] >= '0' && s[1] <= '9')
}

// JSString quotes s as a JavaScript string literal.
func JSString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// LookupScript returns a JS expression evaluating to the first element matched by sel, or null.
func LookupScript(sel string) string {
	query, kind := ParseSelector(sel)
	if kind == SelectorXPath {
		return fmt.Sprintf("document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue", JSString(query))
	}
	return fmt.Sprintf("document.querySelector(%s)", JSString(query))
}

// VisibleScript returns a JS expression evaluating to true when sel matches a rendered, enabled element.
func VisibleScript(sel string) string {
	return fmt.Sprintf(`(() => {
  let el = null;
  try { el = %s; } catch (e) { return false; }
  if (!el) return false;
  const r = el.getBoundingClientRect();
  const s = window.getComputedStyle(el);
  return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none' && !el.disabled;
})()`, LookupScript(sel))
}
