package meter

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ineyio/quotapool"
)

func TestPromMeter_Admit(t *testing.T) {
	m := NewPromMeter(prometheus.NewRegistry())

	m.OnAdmit(quotapool.AdmitEvent{
		Backend: "key-a",
		Model:   "gemini-2.0-flash",
		Day:     quotapool.DayUsage{Used: 25, Limit: 100},
		Context: quotapool.ContextUsage{Used: 10, Limit: 40},
	})
	m.OnAdmit(quotapool.AdmitEvent{
		Backend: "key-a",
		Model:   "gemini-2.0-flash",
		Day:     quotapool.DayUsage{Used: 50, Limit: 100},
		Context: quotapool.ContextUsage{Used: 20, Limit: 40},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("key-a", "gemini-2.0-flash")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.dayUsed.WithLabelValues("key-a")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.contextUsed.WithLabelValues("key-a")))
}

func TestPromMeter_RejectReasons(t *testing.T) {
	m := NewPromMeter(prometheus.NewRegistry())

	dayErr := &quotapool.LimitError{Backend: "key-a", Used: 5, Limit: 5, Err: quotapool.ErrDayLimitExceeded}
	m.OnReject(quotapool.RejectEvent{Backend: "key-a", Model: "m", Err: dayErr})
	m.OnReject(quotapool.RejectEvent{Backend: "key-a", Model: "m", Err: quotapool.ErrMinuteLimitExceeded})
	m.OnReject(quotapool.RejectEvent{Backend: "key-a", Model: "m", Err: quotapool.ErrMinuteLimitExceeded})
	m.OnReject(quotapool.RejectEvent{Backend: "key-a", Model: "m", Err: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("key-a", "m", "day")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rejections.WithLabelValues("key-a", "m", "minute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("key-a", "m", "other")))
}

func TestPromMeter_Result(t *testing.T) {
	m := NewPromMeter(prometheus.NewRegistry())

	m.OnResult(quotapool.ResultEvent{
		Backend:  "key-a",
		Provider: "mock",
		Model:    "m",
		Success:  true,
		Duration: 120 * time.Millisecond,
		Usage:    quotapool.Usage{PromptTokens: 30, CompletionTokens: 12},
		Context:  quotapool.ContextUsage{Used: 12, Limit: 48},
	})
	m.OnResult(quotapool.ResultEvent{
		Backend:  "key-a",
		Provider: "mock",
		Model:    "m",
		Success:  false,
		Error:    quotapool.ErrProviderUnavailable,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("key-a", "mock", "m", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("key-a", "mock", "m", "error")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.tokens.WithLabelValues("key-a", "prompt")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.tokens.WithLabelValues("key-a", "completion")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.contextUsed.WithLabelValues("key-a")))
}

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMeter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	m.OnAdmit(quotapool.AdmitEvent{RequestID: "r1", Backend: "key-a"})
	m.OnReject(quotapool.RejectEvent{RequestID: "r2", Backend: "key-b", Err: quotapool.ErrDayLimitExceeded})
	m.OnResult(quotapool.ResultEvent{RequestID: "r3", Backend: "key-c", Success: true})
	m.OnResult(quotapool.ResultEvent{RequestID: "r4", Backend: "key-d", Error: errors.New("down")})

	out := buf.String()
	assert.Contains(t, out, "msg=admit")
	assert.Contains(t, out, "reason=day")
	assert.Contains(t, out, "msg=result")
	assert.Contains(t, out, "msg=result_error")
	assert.Contains(t, out, "error=down")
}

func TestMulti(t *testing.T) {
	a := NewPromMeter(prometheus.NewRegistry())
	b := NewPromMeter(prometheus.NewRegistry())
	multi := Multi{a, b, &NoopMeter{}}

	multi.OnAdmit(quotapool.AdmitEvent{Backend: "k", Model: "m"})
	multi.OnReject(quotapool.RejectEvent{Backend: "k", Model: "m", Err: quotapool.ErrContextLimitExceeded})

	for _, pm := range []*PromMeter{a, b} {
		assert.Equal(t, 1.0, testutil.ToFloat64(pm.admissions.WithLabelValues("k", "m")))
		assert.Equal(t, 1.0, testutil.ToFloat64(pm.rejections.WithLabelValues("k", "m", "context")))
	}
}
