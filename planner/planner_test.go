package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/llm"
	"github.com/BaSui01/webpilot/perception"
	"github.com/BaSui01/webpilot/types"
)

// scriptedProvider 按顺序返回预设的回复或错误
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []any // string | error
	requests []*llm.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: next.(string)}}}}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func newTestPlanner(t *testing.T, replies ...any) (*Planner, *scriptedProvider) {
	t.Helper()
	prov := &scriptedProvider{replies: replies}
	p, err := New(prov, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return p, prov
}

func sampleRequest() engine.DecisionRequest {
	return engine.DecisionRequest{
		TaskID:      "task-1",
		Instruction: "Find the pricing page",
		CurrentURL:  "https://example.com/",
		Step:        3,
		MaxSteps:    20,
		Elements: []perception.Element{
			{Index: 1, Tag: "a", Text: "Pricing", Href: "/pricing"},
			{Index: 2, Tag: "input", Type: "search", Placeholder: "Search"},
		},
		History: []engine.HistoryEntry{
			{Position: 1, Action: "scroll", Value: "down", Success: true},
			{Position: 2, Action: "click", Target: "#menu", Success: false, Error: "element not found"},
		},
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(nil, DefaultConfig(), nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestPlanner_Decide(t *testing.T) {
	p, prov := newTestPlanner(t, `{"action": "Click", "index": 1, "reasoning": "pricing link is visible"}`)

	d, err := p.Decide(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, engine.Decision{Action: "click", Index: 1, Reasoning: "pricing link is visible"}, d)

	require.Len(t, prov.requests, 1)
	req := prov.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, "task-1", req.TraceID)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "done")
	assert.Contains(t, req.Messages[0].Content, "extract")

	user := req.Messages[1].Content
	assert.Contains(t, user, "Task: Find the pricing page")
	assert.Contains(t, user, "Current URL: https://example.com/")
	assert.Contains(t, user, "Step: 3 of 20")
	assert.Contains(t, user, `#1 scroll "down" -> ok`)
	assert.Contains(t, user, "#2 click #menu -> failed: element not found")
	assert.Contains(t, user, `[1] <a> "Pricing"`)
	assert.Contains(t, user, `[2] <input type=search>`)
}

func TestPlanner_RequestModelOverridesDefault(t *testing.T) {
	p, prov := newTestPlanner(t, `{"action":"done","result":"ok"}`)
	req := sampleRequest()
	req.Model = "deepseek-chat"

	_, err := p.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", prov.requests[0].Model)
}

func TestPlanner_RetriesRetryableErrors(t *testing.T) {
	p, prov := newTestPlanner(t,
		&llm.Error{Code: llm.ErrRateLimited, Message: "slow down", Retryable: true},
		&llm.Error{Code: llm.ErrUpstreamError, Message: "502", Retryable: true},
		`{"action":"scroll","value":"down"}`,
	)

	d, err := p.Decide(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "scroll", d.Action)
	assert.Len(t, prov.requests, 3)
}

func TestPlanner_NonRetryableErrorFailsFast(t *testing.T) {
	p, prov := newTestPlanner(t,
		&llm.Error{Code: llm.ErrUnauthorized, Message: "bad key"},
		`{"action":"done"}`,
	)

	_, err := p.Decide(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDecision))
	assert.Contains(t, err.Error(), "bad key")
	assert.Len(t, prov.requests, 1)
}

func TestPlanner_RetryHonoursContext(t *testing.T) {
	prov := &scriptedProvider{replies: []any{&llm.Error{Code: llm.ErrRateLimited, Retryable: true}}}
	cfg := testConfig()
	cfg.RetryBackoff = time.Hour
	p, err := New(prov, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Decide(ctx, sampleRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlanner_UnparseableReply(t *testing.T) {
	p, _ := newTestPlanner(t, "I think you should click the pricing link.")

	_, err := p.Decide(context.Background(), sampleRequest())
	assert.True(t, types.IsCode(err, types.ErrDecision))
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  engine.Decision
	}{
		{
			name:  "plain",
			reply: `{"action":"fill","index":2,"value":"enterprise plan"}`,
			want:  engine.Decision{Action: "fill", Index: 2, Value: "enterprise plan"},
		},
		{
			name:  "code fence",
			reply: "```json\n{\"action\": \"click\", \"index\": 4}\n```",
			want:  engine.Decision{Action: "click", Index: 4},
		},
		{
			name:  "surrounding prose",
			reply: "Sure! Here is my answer:\n{\"action\": \"back\", \"reasoning\": \"wrong page\"}\nGood luck.",
			want:  engine.Decision{Action: "back", Reasoning: "wrong page"},
		},
		{
			name:  "repairable json",
			reply: `{action: 'click', index: 3,}`,
			want:  engine.Decision{Action: "click", Index: 3},
		},
		{
			name:  "string index",
			reply: `{"action":"click","index":"[7]"}`,
			want:  engine.Decision{Action: "click", Index: 7},
		},
		{
			name:  "element alias",
			reply: `{"action":"hover","element":5}`,
			want:  engine.Decision{Action: "hover", Index: 5},
		},
		{
			name:  "object value for extract",
			reply: `{"action":"extract","value":{"plan": "Pro", "price": 20}}`,
			want:  engine.Decision{Action: "extract", Value: `{"plan":"Pro","price":20}`},
		},
		{
			name:  "selector without index",
			reply: `{"action":"click","selector":" #buy ","index":null}`,
			want:  engine.Decision{Action: "click", Selector: "#buy"},
		},
		{
			name:  "done with result",
			reply: `{"action":" DONE ","result":"Pricing is $20/month"}`,
			want:  engine.Decision{Action: "done", Result: "Pricing is $20/month"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.reply)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestParseDecision_Rejects(t *testing.T) {
	for _, reply := range []string{
		"",
		"no json here",
		`{"index": 3}`,
		`{"action":"click","index":-1}`,
		`{"action":"click","index":"first"}`,
	} {
		_, err := ParseDecision(reply)
		assert.True(t, types.IsCode(err, types.ErrDecision), "reply %q", reply)
	}
}

func TestBuildMessages_TrimsHistoryAndSchema(t *testing.T) {
	req := sampleRequest()
	req.History = nil
	for i := 1; i <= 12; i++ {
		req.History = append(req.History, engine.HistoryEntry{Position: i, Action: "scroll", Success: true})
	}
	req.ExtractionSchema = json.RawMessage(` {"type":"object"} `)
	req.ElementText = "[1] <a> \"Pricing\""

	user := BuildMessages(req, 3)[1].Content
	assert.NotContains(t, user, "#9 scroll")
	assert.Contains(t, user, "#10 scroll")
	assert.Contains(t, user, "#12 scroll")
	assert.Contains(t, user, `Extraction schema: {"type":"object"}`)
	assert.True(t, strings.HasSuffix(user, "[1] <a> \"Pricing\"\n"))
}

func TestBuildMessages_EmptyState(t *testing.T) {
	user := BuildMessages(engine.DecisionRequest{Instruction: "x", Step: 1}, 5)[1].Content
	assert.Contains(t, user, "Current URL: (unknown)")
	assert.Contains(t, user, "Step: 1\n")
	assert.Contains(t, user, "(none yet)")
	assert.Contains(t, user, "(no interactive elements visible)")
}
