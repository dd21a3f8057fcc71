package engine

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/webpilot/types"
)

// Task budget bounds accepted from the outside.
const (
	MinMaxSteps       = 1
	MaxMaxSteps       = 100
	MinTimeoutSeconds = 30
	MaxTimeoutSeconds = 600
	minViewportSide   = 200
	maxViewportSide   = 4096
)

// TaskRequest is the task creation input accepted by the service and the HTTP API.
type TaskRequest struct {
	Instruction      string          `json:"instruction"`
	StartURL         string          `json:"start_url,omitempty"`
	Backend          string          `json:"backend,omitempty"`
	Model            string          `json:"model,omitempty"`
	MaxSteps         int             `json:"max_steps,omitempty"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty"`
	Viewport         *Viewport       `json:"viewport,omitempty"`
	CredentialRef    string          `json:"credential_ref,omitempty"`
	ExtractionSchema json.RawMessage `json:"extraction_schema,omitempty"`
}

// Defaults fill the optional budgets of a request.
type Defaults struct {
	MaxSteps       int
	TimeoutSeconds int
	Viewport       Viewport
}

// Validate checks the request. Zero budgets are allowed and mean "use the default".
func (r TaskRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Instruction) == "" {
		problems = append(problems, "instruction is required")
	}
	if r.StartURL != "" {
		u, err := url.Parse(r.StartURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "start_url must be an absolute http(s) URL")
		}
	}
	if r.MaxSteps != 0 && (r.MaxSteps < MinMaxSteps || r.MaxSteps > MaxMaxSteps) {
		problems = append(problems, fmt.Sprintf("max_steps must be between %d and %d", MinMaxSteps, MaxMaxSteps))
	}
	if r.TimeoutSeconds != 0 && (r.TimeoutSeconds < MinTimeoutSeconds || r.TimeoutSeconds > MaxTimeoutSeconds) {
		problems = append(problems, fmt.Sprintf("timeout_seconds must be between %d and %d", MinTimeoutSeconds, MaxTimeoutSeconds))
	}
	if v := r.Viewport; v != nil {
		if v.Width < minViewportSide || v.Width > maxViewportSide || v.Height < minViewportSide || v.Height > maxViewportSide {
			problems = append(problems, fmt.Sprintf("viewport sides must be between %d and %d", minViewportSide, maxViewportSide))
		}
	}
	if len(r.ExtractionSchema) > 0 && !json.Valid(r.ExtractionSchema) {
		problems = append(problems, "extraction_schema must be valid JSON")
	}
	if len(problems) > 0 {
		return types.NewError(types.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Task validates the request and builds a pending task from it.
func (r TaskRequest) Task(d Defaults) (*Task, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	params := Params{
		MaxSteps: r.MaxSteps,
		Timeout:  time.Duration(r.TimeoutSeconds) * time.Second,
		Viewport: d.Viewport,
	}
	if params.MaxSteps == 0 {
		params.MaxSteps = d.MaxSteps
	}
	if params.Timeout == 0 {
		params.Timeout = time.Duration(d.TimeoutSeconds) * time.Second
	}
	if r.Viewport != nil {
		params.Viewport = *r.Viewport
	}

	t := NewTask(strings.TrimSpace(r.Instruction), params)
	t.StartURL = r.StartURL
	t.Backend = r.Backend
	t.Model = r.Model
	t.CredentialRef = r.CredentialRef
	t.ExtractionSchema = r.ExtractionSchema
	return t, nil
}
