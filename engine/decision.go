package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/BaSui01/webpilot/perception"
)

// Terminal decision actions.
const (
	ActionDone    = "done"
	ActionExtract = "extract"
)

// Decision is the structured action returned by a Decider.
type Decision struct {
	Action    string `json:"action"`
	Index     int    `json:"index,omitempty"`
	Selector  string `json:"selector,omitempty"`
	Value     string `json:"value,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Normalized returns d with a lower-cased, trimmed action.
func (d Decision) Normalized() Decision {
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	return d
}

// Terminal reports whether the decision ends the run.
func (d Decision) Terminal() bool {
	return d.Action == ActionDone || d.Action == ActionExtract
}

// HistoryEntry summarizes a recorded step for the next decision.
type HistoryEntry struct {
	Position int    `json:"position"`
	Action   string `json:"action"`
	Target   string `json:"target,omitempty"`
	Value    string `json:"value,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	URL      string `json:"url,omitempty"`
}

// DecisionRequest is everything a Decider sees for one iteration.
type DecisionRequest struct {
	TaskID           string
	Instruction      string
	Model            string
	CurrentURL       string
	Step             int // 1-based loop step about to run
	MaxSteps         int
	Elements         []perception.Element
	ElementText      string
	History          []HistoryEntry
	ExtractionSchema json.RawMessage
}

// Decider chooses the next action. Implementations must honor ctx cancellation; the
// engine abandons decisions that outlive the task deadline.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req DecisionRequest) (Decision, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	return f(ctx, req)
}
