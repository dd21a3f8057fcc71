package planner

import (
	"fmt"
	"strings"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/internal/pool"
	"github.com/BaSui01/webpilot/llm"
	"github.com/BaSui01/webpilot/perception"
)

const systemPrompt = `You operate a web browser to complete a user's task. Each turn you see the
current URL and a numbered list of the interactive elements visible on the page.
Choose exactly ONE next action.

Actions:
- click: click element [index]
- fill: replace the content of input [index] with value
- type: type value into input [index] without clearing it
- select: choose option value in <select> [index]
- hover: move the pointer over element [index]
- press: press key value (e.g. "Enter", "Tab") in element [index]
- scroll: scroll the page; value is "up" or "down"
- wait: wait for value milliseconds
- navigate: open the absolute URL in value
- back: go back one page
- refresh: reload the page
- extract: the task asks for data and it is visible now; put it in value (JSON when a schema is given)
- done: the task is complete; put a short summary in result

Reply with a single JSON object and nothing else:
{"action": "click", "index": 3, "value": "", "reasoning": "why this moves the task forward", "result": ""}

Rules:
- Use the element index from the list. Use "selector" only when no index fits.
- Never repeat an action that just failed in the same way.
- Use "done" as soon as the task is finished.`

// BuildMessages renders the system and user prompts for one decision.
func BuildMessages(req engine.DecisionRequest, historySize int) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt(req, historySize)},
	}
}

func userPrompt(req engine.DecisionRequest, historySize int) string {
	b := pool.Buffers.Get()
	defer pool.Buffers.Put(b)

	fmt.Fprintf(b, "Task: %s\n", req.Instruction)
	fmt.Fprintf(b, "Current URL: %s\n", valueOr(req.CurrentURL, "(unknown)"))
	if req.MaxSteps > 0 {
		fmt.Fprintf(b, "Step: %d of %d\n", req.Step, req.MaxSteps)
	} else {
		fmt.Fprintf(b, "Step: %d\n", req.Step)
	}
	if len(req.ExtractionSchema) > 0 {
		fmt.Fprintf(b, "Extraction schema: %s\n", strings.TrimSpace(string(req.ExtractionSchema)))
	}

	history := req.History
	if historySize > 0 && len(history) > historySize {
		history = history[len(history)-historySize:]
	}
	b.WriteString("\nPrevious actions:\n")
	if len(history) == 0 {
		b.WriteString("(none yet)\n")
	}
	for _, h := range history {
		fmt.Fprintf(b, "#%d %s", h.Position, h.Action)
		if h.Target != "" {
			fmt.Fprintf(b, " %s", h.Target)
		}
		if h.Value != "" {
			fmt.Fprintf(b, " %q", truncate(h.Value, 80))
		}
		if h.Success {
			b.WriteString(" -> ok")
		} else {
			fmt.Fprintf(b, " -> failed: %s", truncate(h.Error, 160))
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nInteractive elements:\n")
	listing := req.ElementText
	if listing == "" {
		listing = perception.Describe(req.Elements, 0)
	}
	b.WriteString(listing)
	if !strings.HasSuffix(listing, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

func valueOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
