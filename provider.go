package quotapool

import "context"

// Provider is the interface that generative-AI adapters must implement.
// The pool never looks inside a provider; it only gates calls to it.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini").
	Name() string

	// Generate performs a synchronous generation.
	Generate(ctx context.Context, req ProviderRequest) (ProviderResponse, error)

	// GenerateStream performs a streaming generation.
	GenerateStream(ctx context.Context, req ProviderRequest) (ProviderStream, error)
}

// Auth holds authentication credentials for a backend.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Auth     Auth
	Model    string
	Messages []Message

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
}

// ProviderStream is the interface for streaming responses.
type ProviderStream interface {
	// Next returns the next chunk. Returns io.EOF when done.
	Next() (StreamChunk, error)

	// Close releases resources.
	Close() error
}
