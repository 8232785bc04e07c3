package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 8192
	defaultModel        = "claude-sonnet-4-5"
	maxResponseBytes    = 8 << 20
)

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	logger    zerolog.Logger
}

// AnthropicOption configures the provider.
type AnthropicOption func(*AnthropicProvider)

func WithModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) { p.maxTokens = n }
}

func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = c }
}

// WithBaseURL points the provider at a different API root.
func WithBaseURL(u string) AnthropicOption {
	return func(p *AnthropicProvider) { p.baseURL = u }
}

// NewAnthropicProvider constructs a new Anthropic provider.
func NewAnthropicProvider(apiKey string, logger zerolog.Logger, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:    apiKey,
		baseURL:   anthropicAPIBase,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{Timeout: 120 * time.Second},
		logger:    logger.With().Str("component", "llm.anthropic").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) ModelID() string { return p.model }

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *AnthropicProvider) buildRequest(req CompletionRequest) anthropicRequest {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	maxTok := p.maxTokens
	if req.MaxTokens > 0 {
		maxTok = req.MaxTokens
	}
	return anthropicRequest{
		Model:     model,
		MaxTokens: maxTok,
		System:    req.SystemPrompt,
		Messages:  req.Messages,
	}
}

// Complete sends a blocking completion request. Non-2xx answers become
// *errors.APIError carrying the HTTP status, so callers can retry the
// transient ones.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ar := p.buildRequest(req)
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &perrors.APIError{Service: "anthropic", Message: "request failed", Err: fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &perrors.APIError{Service: "anthropic", StatusCode: resp.StatusCode, Message: "read body", Err: err}
	}

	var out anthropicResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode/100 != 2 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Type + ": " + out.Error.Message
		}
		return nil, perrors.NewAPIError("anthropic", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("unmarshal response: %w", decodeErr)
	}
	if out.Error != nil {
		return nil, perrors.NewAPIError("anthropic", resp.StatusCode, out.Error.Type+": "+out.Error.Message)
	}

	cr := &CompletionResponse{
		StopReason:   out.StopReason,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			cr.Text += block.Text
		}
	}

	p.logger.Debug().
		Str("model", ar.Model).
		Str("stop_reason", cr.StopReason).
		Int("in_tokens", cr.InputTokens).
		Int("out_tokens", cr.OutputTokens).
		Dur("latency", time.Since(start)).
		Msg("anthropic complete")
	return cr, nil
}
