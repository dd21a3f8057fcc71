package planner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/llm"
	"github.com/BaSui01/webpilot/types"
)

// Config configures the LLM decider.
type Config struct {
	Model        string        `yaml:"model" json:"model"`
	Temperature  float32       `yaml:"temperature" json:"temperature"`
	MaxTokens    int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`             // 单次调用超时
	HistorySize  int           `yaml:"history_size" json:"history_size"`   // 提示词中保留的最近步骤数
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`     // 仅针对可重试错误
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"` // 线性退避基数
	JSONMode     bool          `yaml:"json_mode" json:"json_mode"`         // 请求 response_format=json_object
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:        "gpt-4o-mini",
		Temperature:  0.1,
		MaxTokens:    512,
		Timeout:      45 * time.Second,
		HistorySize:  8,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
		JSONMode:     true,
	}
}

// Planner asks an LLM for the next browser action.
type Planner struct {
	provider llm.Provider
	cfg      Config
	logger   *zap.Logger
}

var _ engine.Decider = (*Planner)(nil)

// New creates a Planner on top of provider.
func New(provider llm.Provider, cfg Config, logger *zap.Logger) (*Planner, error) {
	if provider == nil {
		return nil, types.NewError(types.ErrValidation, "planner requires an llm provider")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Planner{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "planner")),
	}, nil
}

// Decide implements engine.Decider.
func (p *Planner) Decide(ctx context.Context, req engine.DecisionRequest) (engine.Decision, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	chat := &llm.ChatRequest{
		TraceID:     req.TaskID,
		Model:       model,
		Messages:    BuildMessages(req, p.cfg.HistorySize),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Timeout:     p.cfg.Timeout,
	}
	if p.cfg.JSONMode {
		chat.ResponseFormat = &llm.ResponseFormat{Type: "json_object"}
	}

	resp, err := p.complete(ctx, chat)
	if err != nil {
		return engine.Decision{}, types.NewError(types.ErrDecision, "llm completion failed").
			WithCause(err).
			WithProvider(p.provider.Name()).
			WithRetryable(llm.IsRetryable(err))
	}

	content := resp.Content()
	d, err := ParseDecision(content)
	if err != nil {
		p.logger.Warn("unparseable decision",
			zap.String("task_id", req.TaskID),
			zap.String("reply", truncate(content, 300)),
			zap.Error(err))
		return engine.Decision{}, err
	}

	p.logger.Debug("decision",
		zap.String("task_id", req.TaskID),
		zap.Int("step", req.Step),
		zap.String("action", d.Action),
		zap.Int("index", d.Index),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return d, nil
}

// complete retries retryable provider errors with linear backoff.
func (p *Planner) complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.cfg.RetryBackoff * time.Duration(attempt)
			p.logger.Info("retrying llm call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}
		resp, err := p.provider.Completion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !llm.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}
