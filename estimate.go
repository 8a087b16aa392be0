package quotapool

import "context"

// TokenCounter prices a prospective request in tokens before it is sent.
// Providers that can count tokens server-side implement it themselves.
type TokenCounter interface {
	CountTokens(ctx context.Context, auth Auth, model string, messages []Message) (int64, error)
}

// CharCounter estimates tokens locally: ~4 chars per token plus a small
// per-message and per-request overhead.
type CharCounter struct {
	CharsPerToken int
}

var _ TokenCounter = CharCounter{}

// CountTokens implements TokenCounter. It never fails.
func (c CharCounter) CountTokens(_ context.Context, _ Auth, _ string, messages []Message) (int64, error) {
	return EstimateTokens(messages, c.CharsPerToken), nil
}

// EstimateTokens provides a rough token count estimate for messages.
// charsPerToken <= 0 means 4.
func EstimateTokens(messages []Message, charsPerToken int) int64 {
	per := int64(charsPerToken)
	if per <= 0 {
		per = 4
	}

	var total int64
	for _, m := range messages {
		total += (int64(len(m.Content)) + per - 1) / per
		// role and formatting
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}
