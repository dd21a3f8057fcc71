package perception

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BaSui01/webpilot/browser"
)

// Script markers let callers (and fakes) recognise the injected scripts.
const (
	AnnotateMarker = "/*wp:annotate*/"
	ClearMarker    = "/*wp:clear*/"

	indexAttr   = "data-wp-index"
	markerClass = "__wp_marker"
)

const interactiveSelector = `a[href], button, input:not([type="hidden"]), select, textarea, summary, ` +
	`[role="button"], [role="link"], [role="checkbox"], [role="radio"], [role="tab"], ` +
	`[role="menuitem"], [role="option"], [role="switch"], [contenteditable="true"], ` +
	`[onclick], [tabindex]:not([tabindex="-1"])`

var clearBody = fmt.Sprintf(`document.querySelectorAll('.%s').forEach(n => n.remove());
  document.querySelectorAll('[%s]').forEach(n => n.removeAttribute('%s'));`, markerClass, indexAttr, indexAttr)

var annotateScript = fmt.Sprintf(`%s(() => {
  %s
  const vw = window.innerWidth || document.documentElement.clientWidth;
  const vh = window.innerHeight || document.documentElement.clientHeight;
  const clip = (s, n) => Array.from(s || '').slice(0, n).join('');
  const out = [];
  let idx = 0;
  for (const el of document.querySelectorAll(%s)) {
    const r = el.getBoundingClientRect();
    if (r.width <= 0 || r.height <= 0) continue;
    if (r.bottom < 0 || r.right < 0 || r.top > vh || r.left > vw) continue;
    const s = window.getComputedStyle(el);
    if (s.visibility === 'hidden' || s.display === 'none' || parseFloat(s.opacity) === 0) continue;
    idx++;
    el.setAttribute('%s', String(idx));
    const m = document.createElement('div');
    m.className = '%s';
    m.textContent = String(idx);
    m.style.cssText = 'position:fixed;z-index:2147483647;pointer-events:none;background:#e11d48;color:#fff;' +
      'font:bold 11px/14px monospace;padding:0 3px;border-radius:3px;' +
      'left:' + Math.max(0, r.left) + 'px;top:' + Math.max(0, r.top) + 'px;';
    document.body.appendChild(m);
    const tag = el.tagName.toLowerCase();
    const isField = tag === 'input' || tag === 'textarea' || tag === 'select';
    const type = (el.getAttribute('type') || '').toLowerCase();
    out.push({
      index: idx,
      tag: tag,
      type: type,
      text: isField ? '' : clip((el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim(), %d),
      placeholder: el.getAttribute('placeholder') || '',
      aria_label: el.getAttribute('aria-label') || '',
      id: el.id || '',
      name: el.getAttribute('name') || '',
      href: el.getAttribute('href') || '',
      value: isField && type !== 'password' ? clip(String(el.value || ''), %d) : '',
      rect: { x: r.left, y: r.top, width: r.width, height: r.height },
    });
  }
  return out;
})()`, AnnotateMarker, clearBody, browser.JSString(interactiveSelector), indexAttr, markerClass, MaxTextRunes, MaxTextRunes)

var clearScript = fmt.Sprintf(`%s(() => {
  %s
  return true;
})()`, ClearMarker, clearBody)

// Annotate marks every visible, in-viewport interactive element with a fresh
// 1-based index and returns the indexed elements. Markers from a previous cycle
// are removed first.
func Annotate(ctx context.Context, p browser.Provider) ([]Element, error) {
	var elements []Element
	if err := p.Evaluate(ctx, annotateScript, &elements); err != nil {
		return nil, err
	}
	sort.SliceStable(elements, func(i, j int) bool { return elements[i].Index < elements[j].Index })
	for i := range elements {
		normalize(&elements[i])
	}
	return elements, nil
}

// Clear removes every marker and index attribute from the page.
func Clear(ctx context.Context, p browser.Provider) error {
	return p.Evaluate(ctx, clearScript, nil)
}

func normalize(e *Element) {
	e.Tag = strings.ToLower(e.Tag)
	e.Text = truncateRunes(strings.Join(strings.Fields(e.Text), " "), MaxTextRunes)
	e.Value = truncateRunes(e.Value, MaxTextRunes)
	e.Placeholder = truncateRunes(e.Placeholder, maxFieldRunes)
	e.AriaLabel = truncateRunes(e.AriaLabel, maxFieldRunes)
}

func formatPoint(x, y float64) string {
	return "@" + strconv.FormatFloat(x, 'f', 0, 64) + "," + strconv.FormatFloat(y, 'f', 0, 64)
}
