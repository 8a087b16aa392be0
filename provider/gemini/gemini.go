package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini REST API adapter. It counts tokens server-side, so
// the Client prices requests with the countTokens endpoint.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ quotapool.Provider     = (*Provider)(nil)
	_ quotapool.TokenCounter = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata geminiUsage `json:"usageMetadata"`
	ModelVersion  string      `json:"modelVersion"`
	ResponseID    string      `json:"responseId"`
}

type countTokensRequest struct {
	Contents []geminiContent `json:"contents"`
}

type countTokensResponse struct {
	TotalTokens int64 `json:"totalTokens"`
}

// CountTokens asks the API how many tokens the messages would consume.
func (p *Provider) CountTokens(ctx context.Context, auth quotapool.Auth, model string, messages []quotapool.Message) (int64, error) {
	gr := buildRequest(quotapool.ProviderRequest{Messages: messages})
	contents := gr.Contents
	if gr.SystemInstruction != nil {
		// countTokens has no systemInstruction field; count it as a user turn.
		contents = append([]geminiContent{{Role: "user", Parts: gr.SystemInstruction.Parts}}, contents...)
	}

	url := fmt.Sprintf("%s/models/%s:countTokens", p.baseURL, model)
	httpResp, err := p.doRequest(ctx, url, auth, countTokensRequest{Contents: contents})
	if err != nil {
		return 0, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return 0, err
	}

	var resp countTokensResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return 0, fmt.Errorf("quotapool: decode gemini countTokens response: %w", err)
	}
	return resp.TotalTokens, nil
}

func (p *Provider) Generate(ctx context.Context, req quotapool.ProviderRequest) (quotapool.ProviderResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)

	httpResp, err := p.doRequest(ctx, url, req.Auth, buildRequest(req))
	if err != nil {
		return quotapool.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return quotapool.ProviderResponse{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return quotapool.ProviderResponse{}, fmt.Errorf("quotapool: decode gemini response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return quotapool.ProviderResponse{}, errors.New("quotapool: empty candidates in gemini response")
	}

	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}

	return quotapool.ProviderResponse{
		ID:           resp.ResponseID,
		Content:      joinParts(resp.Candidates[0].Content.Parts),
		FinishReason: strings.ToLower(resp.Candidates[0].FinishReason),
		Model:        model,
		Usage:        toUsage(resp.UsageMetadata),
	}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req quotapool.ProviderRequest) (quotapool.ProviderStream, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, req.Model)

	httpResp, err := p.doRequest(ctx, url, req.Auth, buildRequest(req))
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &geminiStream{
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
		model:  req.Model,
	}, nil
}

func buildRequest(req quotapool.ProviderRequest) geminiRequest {
	var (
		contents []geminiContent
		system   []geminiPart
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, geminiPart{Text: m.Content})
			continue
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	gr := geminiRequest{Contents: contents}
	if len(system) > 0 {
		gr.SystemInstruction = &geminiContent{Parts: system}
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}

	return gr
}

func (p *Provider) doRequest(ctx context.Context, url string, auth quotapool.Auth, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("quotapool: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("quotapool: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", auth.APIKey)

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
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%w: %s", quotapool.ErrInvalidRequest, string(body))
	default:
		return quotapool.ErrProviderUnavailable
	}
}

func joinParts(parts []geminiPart) string {
	if len(parts) == 1 {
		return parts[0].Text
	}
	var sb strings.Builder
	for _, part := range parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func toUsage(u geminiUsage) quotapool.Usage {
	return quotapool.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

type geminiStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	model  string
}

func (s *geminiStream) Next() (quotapool.StreamChunk, error) {
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

		var resp geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp); err != nil {
			continue
		}

		chunk := quotapool.StreamChunk{
			ID:    resp.ResponseID,
			Model: s.model,
		}

		if len(resp.Candidates) > 0 {
			chunk.Content = joinParts(resp.Candidates[0].Content.Parts)
			chunk.FinishReason = strings.ToLower(resp.Candidates[0].FinishReason)
		}

		if resp.UsageMetadata.TotalTokenCount > 0 {
			u := toUsage(resp.UsageMetadata)
			chunk.Usage = &u
		}

		return chunk, nil
	}
}

func (s *geminiStream) Close() error {
	return s.body.Close()
}
