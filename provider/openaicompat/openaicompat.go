// Package openaicompat adapts any chat-completions API in the OpenAI wire
// format (Groq, Cerebras, OpenRouter, Ollama and others) to a pool backend.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/quotapool"
)

// Provider is an OpenAI-compatible chat completions adapter.
// It has no token counting endpoint; the Client falls back to its
// TokenCounter for admission.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ quotapool.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a provider registered under name that talks to baseURL.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewGroq creates a provider for Groq.
func NewGroq(opts ...Option) *Provider {
	return New("groq", "https://api.groq.com/openai/v1", opts...)
}

// NewCerebras creates a provider for Cerebras.
func NewCerebras(opts ...Option) *Provider {
	return New("cerebras", "https://api.cerebras.ai/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

// streamOptions asks for a final usage chunk so streamed completions can be
// charged to the context budget.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u chatUsage) toUsage() quotapool.Usage {
	return quotapool.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

func (p *Provider) Generate(ctx context.Context, req quotapool.ProviderRequest) (quotapool.ProviderResponse, error) {
	httpResp, err := p.doRequest(ctx, req.Auth, buildRequest(req, false))
	if err != nil {
		return quotapool.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return quotapool.ProviderResponse{}, err
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return quotapool.ProviderResponse{}, fmt.Errorf("quotapool: decode %s response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return quotapool.ProviderResponse{}, fmt.Errorf("quotapool: empty choices in %s response", p.name)
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return quotapool.ProviderResponse{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Model:        model,
		Usage:        resp.Usage.toUsage(),
	}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req quotapool.ProviderRequest) (quotapool.ProviderStream, error) {
	httpResp, err := p.doRequest(ctx, req.Auth, buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &sseStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
		model:  req.Model,
	}, nil
}

func buildRequest(req quotapool.ProviderRequest, stream bool) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream {
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return cr
}

func (p *Provider) doRequest(ctx context.Context, auth quotapool.Auth, body chatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("quotapool: marshal %s request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("quotapool: create %s request: %w", p.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if auth.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", quotapool.ErrProviderUnavailable, err)
	}
	return resp, nil
}

// mapHTTPError closes the body on any non-2xx status.
func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return quotapool.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return quotapool.ErrAuthFailed
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", quotapool.ErrInvalidRequest, string(body))
	default:
		return quotapool.ErrProviderUnavailable
	}
}

type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	model  string
}

func (s *sseStream) Next() (quotapool.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return quotapool.StreamChunk{}, io.EOF
			}
			return quotapool.StreamChunk{}, fmt.Errorf("%w: %v", quotapool.ErrProviderUnavailable, err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return quotapool.StreamChunk{}, io.EOF
		}

		var c chatChunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			continue
		}

		chunk := quotapool.StreamChunk{ID: c.ID, Model: c.Model}
		if chunk.Model == "" {
			chunk.Model = s.model
		}
		if len(c.Choices) > 0 {
			chunk.Content = c.Choices[0].Delta.Content
			chunk.FinishReason = c.Choices[0].FinishReason
		}
		if c.Usage != nil {
			u := c.Usage.toUsage()
			chunk.Usage = &u
		}
		return chunk, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
