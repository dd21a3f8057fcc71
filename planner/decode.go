package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/types"
)

// rawDecision tolerates the shapes models actually produce: string indices,
// object values for extract, "element" instead of "index".
type rawDecision struct {
	Action    string          `json:"action"`
	Index     json.RawMessage `json:"index"`
	Element   json.RawMessage `json:"element"`
	Selector  string          `json:"selector"`
	Value     json.RawMessage `json:"value"`
	Reasoning string          `json:"reasoning"`
	Result    json.RawMessage `json:"result"`
}

// ParseDecision decodes an LLM reply into a Decision. Code fences and surrounding
// prose are stripped; malformed JSON goes through jsonrepair before giving up.
func ParseDecision(reply string) (engine.Decision, error) {
	body := extractObject(stripFences(reply))
	if body == "" {
		return engine.Decision{}, decodeError("reply contains no JSON object", reply, nil)
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil {
			return engine.Decision{}, decodeError("reply is not valid JSON", reply, err)
		}
		raw = rawDecision{}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return engine.Decision{}, decodeError("repaired reply is not a decision", reply, err)
		}
	}

	d := engine.Decision{
		Action:    raw.Action,
		Selector:  strings.TrimSpace(raw.Selector),
		Value:     flatten(raw.Value),
		Reasoning: strings.TrimSpace(raw.Reasoning),
		Result:    flatten(raw.Result),
	}.Normalized()
	if d.Action == "" {
		return engine.Decision{}, decodeError("reply has no action", reply, nil)
	}

	idx := raw.Index
	if len(idx) == 0 || string(idx) == "null" {
		idx = raw.Element
	}
	n, err := parseIndex(idx)
	if err != nil {
		return engine.Decision{}, decodeError("reply has an invalid index", reply, err)
	}
	d.Index = n
	return d, nil
}

func decodeError(msg, reply string, cause error) error {
	e := types.NewError(types.ErrDecision, fmt.Sprintf("%s: %s", msg, truncate(strings.TrimSpace(reply), 200)))
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// 语言标记，如 ```json
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// extractObject returns the text from the first '{' to the last '}'. A reply that
// opens an object but never closes it is returned from the brace onward so the
// repair step can complete it.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// flatten turns a JSON value into the string the engine stores: strings are
// unquoted, everything else is kept as compact JSON.
func flatten(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func parseIndex(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 || n != float64(int(n)) {
			return 0, fmt.Errorf("index %v is not a positive integer", n)
		}
		return int(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("index %s is neither a number nor a string", raw)
	}
	s = strings.Trim(strings.TrimSpace(s), "[]#")
	if s == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("index %q is not a positive integer", s)
	}
	return i, nil
}
