package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		query string
		kind  SelectorKind
	}{
		{"css id", "#login", "#login", SelectorCSS},
		{"css attr", `input[name="email"]`, `input[name="email"]`, SelectorCSS},
		{"xpath prefix", "xpath=//form[1]", "//form[1]", SelectorXPath},
		{"bare xpath", "//button", "//button", SelectorXPath},
		{"grouped xpath", "(//a)[2]", "(//a)[2]", SelectorXPath},
		{
			"text",
			"text=Sign in",
			`(//*[normalize-space(.)="Sign in"][not(*[normalize-space(.)="Sign in"])])[1]`,
			SelectorXPath,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, k := ParseSelector(tt.in)
			assert.Equal(t, tt.query, q)
			assert.Equal(t, tt.kind, k)
		})
	}
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, `"plain"`, XPathLiteral("plain"))
	assert.Equal(t, `'say "hi"'`, XPathLiteral(`say "hi"`))
	assert.Equal(t, `concat("it's ", '"', "x", '"')`, XPathLiteral(`it's "x"`))
}

func TestCSSHelpers(t *testing.T) {
	assert.Equal(t, `input[name="a\"b"]`, CSSAttr("input", "name", `a"b`))
	assert.Equal(t, `[placeholder="x\\y"]`, CSSAttr("", "placeholder", `x\y`))

	assert.True(t, CSSIdent("login-form"))
	assert.True(t, CSSIdent("_x1"))
	assert.False(t, CSSIdent(""))
	assert.False(t, CSSIdent("1abc"))
	assert.False(t, CSSIdent("-1a"))
	assert.False(t, CSSIdent("a.b"))
	assert.False(t, CSSIdent("a b"))
}

func TestLookupScript(t *testing.T) {
	assert.Equal(t, `document.querySelector("#q")`, LookupScript("#q"))
	assert.Contains(t, LookupScript("text=Go"), "document.evaluate(")
	assert.Contains(t, VisibleScript("#q"), `document.querySelector("#q")`)
}

func TestScrollAndWaitValues(t *testing.T) {
	assert.Equal(t, 600, ScrollDelta(""))
	assert.Equal(t, -600, ScrollDelta("up"))
	assert.Equal(t, 250, ScrollDelta("250px"))
	assert.Equal(t, 600, ScrollDelta("sideways"))

	assert.Equal(t, defaultWait, WaitDuration(""))
	assert.Equal(t, defaultWait, WaitDuration("soon"))
	assert.Equal(t, 1500*1e6, float64(WaitDuration("1.5")))
	assert.Equal(t, maxWait, WaitDuration("1h"))
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "Enter", NormalizeKey("return"))
	assert.Equal(t, "Escape", NormalizeKey("ESC"))
	assert.Equal(t, "ArrowDown", NormalizeKey("down"))
	assert.Equal(t, "F5", NormalizeKey("F5"))
}
