package perception

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the tiktoken encoding used for prompt budgeting.
const DefaultEncoding = "cl100k_base"

// Describe renders at most limit elements, one per line. limit <= 0 means no limit.
func Describe(elements []Element, limit int) string {
	var b strings.Builder
	shown := 0
	for _, e := range elements {
		if limit > 0 && shown >= limit {
			break
		}
		b.WriteString(DescribeElement(e))
		b.WriteByte('\n')
		shown++
	}
	if rest := len(elements) - shown; rest > 0 {
		fmt.Fprintf(&b, "... %d more elements not shown\n", rest)
	}
	if len(elements) == 0 {
		b.WriteString("(no interactive elements visible)\n")
	}
	return b.String()
}

// DescribeElement renders one element as "[3] <input type=email> placeholder="Email"".
func DescribeElement(e Element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] <%s", e.Index, e.Tag)
	if e.Type != "" {
		fmt.Fprintf(&b, " type=%s", e.Type)
	}
	b.WriteByte('>')
	if e.Text != "" {
		fmt.Fprintf(&b, " %q", e.Text)
	}
	attr := func(name, v string) {
		if v != "" {
			fmt.Fprintf(&b, " %s=%q", name, truncateRunes(v, maxFieldRunes))
		}
	}
	attr("placeholder", e.Placeholder)
	attr("aria-label", e.AriaLabel)
	attr("id", e.ID)
	attr("name", e.Name)
	attr("href", e.Href)
	attr("value", e.Value)
	return b.String()
}

// TokenCounter counts prompt tokens.
type TokenCounter interface {
	CountTokens(text string) int
}

// EstimateCounter approximates tokens as runes/4.
type EstimateCounter struct{}

// CountTokens implements TokenCounter.
func (EstimateCounter) CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// TiktokenCounter counts with a tiktoken encoding, loaded lazily. When the
// encoding cannot be loaded it falls back to EstimateCounter.
type TiktokenCounter struct {
	encoding string
	logger   *zap.Logger
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for encoding ("" selects cl100k_base).
func NewTiktokenCounter(encoding string, logger *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{encoding: encoding, logger: logger}
}

func (c *TiktokenCounter) init() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.logger.Warn("tiktoken encoding unavailable, estimating tokens",
				zap.String("encoding", c.encoding), zap.Error(err))
			return
		}
		c.enc = enc
	})
}

// CountTokens implements TokenCounter.
func (c *TiktokenCounter) CountTokens(text string) int {
	c.init()
	if c.enc == nil {
		return EstimateCounter{}.CountTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Describer renders element listings under an element limit and a token budget.
type Describer struct {
	counter   TokenCounter
	limit     int
	maxTokens int
}

// NewDescriber creates a describer. maxTokens <= 0 disables the budget.
func NewDescriber(counter TokenCounter, limit, maxTokens int) *Describer {
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &Describer{counter: counter, limit: limit, maxTokens: maxTokens}
}

// Describe renders elements, stopping before the line that would exceed the budget.
func (d *Describer) Describe(elements []Element) string {
	if d.maxTokens <= 0 {
		return Describe(elements, d.limit)
	}
	var b strings.Builder
	used, shown := 0, 0
	for _, e := range elements {
		if d.limit > 0 && shown >= d.limit {
			break
		}
		line := DescribeElement(e) + "\n"
		cost := d.counter.CountTokens(line)
		if used+cost > d.maxTokens {
			break
		}
		b.WriteString(line)
		used += cost
		shown++
	}
	if rest := len(elements) - shown; rest > 0 {
		fmt.Fprintf(&b, "... %d more elements not shown\n", rest)
	}
	if len(elements) == 0 {
		b.WriteString("(no interactive elements visible)\n")
	}
	return b.String()
}
