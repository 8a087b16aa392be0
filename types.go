package quotapool

// Request is a generation request routed through the pool.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the result of a routed generation.
type Response struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	FinishReason string  `json:"finish_reason"`
	Usage        Usage   `json:"usage"`
	Model        string  `json:"model"`
	Routing      Routing `json:"-"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Routing describes which backend served the request.
type Routing struct {
	RequestID string
	Backend   string
	Provider  string
	Model     string
	Attempts  int

	// EstimatedTokens is the prompt cost counted before the call.
	EstimatedTokens int64

	// ContextFull is set when the response tokens did not fit the backend's
	// context budget and were not added to it.
	ContextFull bool
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	ID           string `json:"id"`
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Model        string `json:"model"`
	Usage        *Usage `json:"usage,omitempty"`
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
