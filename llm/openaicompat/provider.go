// =============================================================================
// WebPilot OpenAI-Compatible Provider
// =============================================================================
// Chat completions client for any service that speaks /v1/chat/completions.
// =============================================================================

package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/webpilot/internal/metrics"
	"github.com/BaSui01/webpilot/internal/pool"
	"github.com/BaSui01/webpilot/internal/tlsutil"
	"github.com/BaSui01/webpilot/llm"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier for this provider (e.g., "openai", "deepseek").
	ProviderName string

	APIKey  string
	BaseURL string

	// DefaultModel is used when the request names no model.
	DefaultModel string

	// Timeout is the HTTP client timeout. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string

	// RequestsPerSecond throttles outgoing calls; zero disables throttling.
	RequestsPerSecond float64

	// Headers are added to every request.
	Headers map[string]string
}

// Provider is the OpenAI-compatible chat client.
type Provider struct {
	Cfg     Config
	Client  *http.Client
	Logger  *zap.Logger
	limiter *rate.Limiter
	metrics *metrics.Collector
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the hardened default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.Client = c }
}

// WithMetrics records request metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Provider) { p.metrics = c }
}

// New creates a new OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(timeout),
		Logger: logger.With(zap.String("component", "llm"), zap.String("provider", cfg.ProviderName)),
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + p.Cfg.EndpointPath
}

func (p *Provider) buildHeaders(req *http.Request) {
	if p.Cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.Cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Cfg.Headers {
		req.Header.Set(k, v)
	}
}

// wire types

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []llm.Message       `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float32             `json:"temperature,omitempty"`
	Stop           []string            `json:"stop,omitempty"`
	ResponseFormat *llm.ResponseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created,omitempty"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *llm.ChatUsage `json:"usage,omitempty"`
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "messages are required",
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}
	model := req.Model
	if model == "" {
		model = p.Cfg.DefaultModel
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &llm.Error{
				Code: llm.ErrRateLimited, Message: err.Error(),
				HTTPStatus: http.StatusTooManyRequests, Retryable: true, Provider: p.Name(),
			}
		}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)
	if err := json.NewEncoder(buf).Encode(chatRequest{
		Model:          model,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		Stop:           req.Stop,
		ResponseFormat: req.ResponseFormat,
	}); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	start := time.Now()
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		p.metrics.RecordLLMRequest(p.Name(), model, "error", time.Since(start), 0, 0)
		code := llm.ErrUpstreamError
		if ctx.Err() == context.DeadlineExceeded {
			code = llm.ErrUpstreamTimeout
		}
		return nil, &llm.Error{
			Code: code, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.metrics.RecordLLMRequest(p.Name(), model, "error", time.Since(start), 0, 0)
		msg := llm.ReadErrorMessage(resp.Body)
		p.Logger.Warn("chat completion rejected", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return nil, llm.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		p.metrics.RecordLLMRequest(p.Name(), model, "error", time.Since(start), 0, 0)
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if len(oaResp.Choices) == 0 {
		p.metrics.RecordLLMRequest(p.Name(), model, "error", time.Since(start), 0, 0)
		return nil, &llm.Error{
			Code: llm.ErrEmptyResponse, Message: "response contained no choices",
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	result := &llm.ChatResponse{
		ID:       oaResp.ID,
		Provider: p.Name(),
		Model:    oaResp.Model,
		Choices:  make([]llm.ChatChoice, 0, len(oaResp.Choices)),
	}
	for _, c := range oaResp.Choices {
		result.Choices = append(result.Choices, llm.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      llm.Message{Role: llm.Role(c.Message.Role), Content: c.Message.Content},
		})
	}
	if oaResp.Usage != nil {
		result.Usage = *oaResp.Usage
	}
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}

	p.metrics.RecordLLMRequest(p.Name(), model, "success", time.Since(start), result.Usage.PromptTokens, result.Usage.CompletionTokens)
	p.Logger.Debug("chat completion",
		zap.String("model", model),
		zap.Duration("latency", time.Since(start)),
		zap.Int("total_tokens", result.Usage.TotalTokens))
	return result, nil
}
