package mock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/quotapool"
)

// Provider is a mock generative backend for testing.
type Provider struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	streamErr    error
	usage        quotapool.Usage
	tokens       int64
	responseFunc func(quotapool.ProviderRequest) (quotapool.ProviderResponse, error)

	mu      sync.Mutex
	lastReq quotapool.ProviderRequest
}

var (
	_ quotapool.Provider     = (*Provider)(nil)
	_ quotapool.TokenCounter = (*Provider)(nil)
)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		usage: quotapool.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithStreamError makes streams fail with err after the first chunk.
func WithStreamError(err error) Option {
	return func(p *Provider) { p.streamErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u quotapool.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithTokenCount fixes the value returned by CountTokens.
func WithTokenCount(n int64) Option {
	return func(p *Provider) { p.tokens = n }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(quotapool.ProviderRequest) (quotapool.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

// CountTokens returns the fixed token count, or a character estimate when
// none was configured.
func (p *Provider) CountTokens(_ context.Context, _ quotapool.Auth, _ string, messages []quotapool.Message) (int64, error) {
	if p.tokens > 0 {
		return p.tokens, nil
	}
	return quotapool.EstimateTokens(messages, 0), nil
}

func (p *Provider) Generate(ctx context.Context, req quotapool.ProviderRequest) (quotapool.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return quotapool.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()

	if p.staticErr != nil {
		return quotapool.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return quotapool.ProviderResponse{}, quotapool.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return quotapool.ProviderResponse{
		ID:           "mock-response-id",
		Content:      "Hello from mock provider",
		FinishReason: "stop",
		Usage:        p.usage,
		Model:        req.Model,
	}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req quotapool.ProviderRequest) (quotapool.ProviderStream, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	return &mockStream{
		chunks: []quotapool.StreamChunk{
			{ID: resp.ID, Model: resp.Model, Content: resp.Content},
			{ID: resp.ID, Model: resp.Model, FinishReason: resp.FinishReason, Usage: &resp.Usage},
		},
		failWith: p.streamErr,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// LastRequest returns the most recent request the provider received.
func (p *Provider) LastRequest() quotapool.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type mockStream struct {
	chunks   []quotapool.StreamChunk
	index    int
	failWith error
}

func (s *mockStream) Next() (quotapool.StreamChunk, error) {
	if s.failWith != nil && s.index == 1 {
		return quotapool.StreamChunk{}, s.failWith
	}
	if s.index >= len(s.chunks) {
		return quotapool.StreamChunk{}, io.EOF
	}
	chunk := s.chunks[s.index]
	s.index++
	return chunk, nil
}

func (s *mockStream) Close() error { return nil }
