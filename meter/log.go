package meter

import (
	"log/slog"

	"github.com/ineyio/quotapool"
)

// LogMeter logs admission and result events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotapool.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmit(e quotapool.AdmitEvent) {
	m.Logger.Debug("admit",
		"request_id", e.RequestID,
		"backend", e.Backend,
		"model", e.Model,
		"attempt", e.Attempt,
		"tokens", e.Tokens,
		"day_used", e.Day.Used,
		"day_limit", e.Day.Limit,
		"minute_requests", e.Minute.UsedRequests,
		"minute_tokens", e.Minute.UsedTokens,
		"context_used", e.Context.Used,
	)
}

func (m *LogMeter) OnReject(e quotapool.RejectEvent) {
	m.Logger.Info("reject",
		"request_id", e.RequestID,
		"backend", e.Backend,
		"model", e.Model,
		"attempt", e.Attempt,
		"tokens", e.Tokens,
		"reason", rejectKind(e.Err),
		"error", e.Err,
	)
}

func (m *LogMeter) OnResult(e quotapool.ResultEvent) {
	if !e.Success {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"backend", e.Backend,
			"provider", e.Provider,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
		return
	}

	attrs := []any{
		"request_id", e.RequestID,
		"backend", e.Backend,
		"provider", e.Provider,
		"model", e.Model,
		"duration_ms", e.Duration.Milliseconds(),
		"prompt_tokens", e.Usage.PromptTokens,
		"completion_tokens", e.Usage.CompletionTokens,
		"context_used", e.Context.Used,
		"context_limit", e.Context.Limit,
	}
	if e.Error != nil {
		// Context budget overflow after a successful call.
		m.Logger.Warn("result", append(attrs, "error", e.Error)...)
		return
	}
	m.Logger.Info("result", attrs...)
}
