package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/quotapool"
)

// PromMeter exports admission, rejection and usage metrics to Prometheus.
type PromMeter struct {
	admissions  *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	results     *prometheus.CounterVec
	dayUsed     *prometheus.GaugeVec
	contextUsed *prometheus.GaugeVec
	tokens      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

var _ quotapool.Meter = (*PromMeter)(nil)

// NewPromMeter registers the collectors with reg. A nil reg means
// prometheus.DefaultRegisterer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PromMeter{
		admissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotapool_admissions_total",
				Help: "Total number of requests admitted by a backend limiter",
			},
			[]string{"backend", "model"},
		),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotapool_rejections_total",
				Help: "Total number of requests refused by a backend limiter",
			},
			[]string{"backend", "model", "reason"},
		),
		results: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotapool_results_total",
				Help: "Total number of provider calls by outcome",
			},
			[]string{"backend", "provider", "model", "status"},
		),
		dayUsed: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotapool_day_usage_ratio",
				Help: "Requests used in the current day window as a fraction of the limit",
			},
			[]string{"backend"},
		),
		contextUsed: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotapool_context_usage_ratio",
				Help: "Context tokens used as a fraction of the context budget",
			},
			[]string{"backend"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotapool_tokens_total",
				Help: "Total tokens reported by providers",
			},
			[]string{"backend", "kind"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotapool_call_duration_seconds",
				Help:    "Duration of provider calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"backend", "provider"},
		),
	}
}

func (m *PromMeter) OnAdmit(e quotapool.AdmitEvent) {
	m.admissions.WithLabelValues(e.Backend, e.Model).Inc()
	m.dayUsed.WithLabelValues(e.Backend).Set(ratio(e.Day.Used, e.Day.Limit))
	m.contextUsed.WithLabelValues(e.Backend).Set(ratio(e.Context.Used, e.Context.Limit))
}

func (m *PromMeter) OnReject(e quotapool.RejectEvent) {
	m.rejections.WithLabelValues(e.Backend, e.Model, rejectKind(e.Err)).Inc()
}

func (m *PromMeter) OnResult(e quotapool.ResultEvent) {
	status := "success"
	if !e.Success {
		status = "error"
	}
	m.results.WithLabelValues(e.Backend, e.Provider, e.Model, status).Inc()
	m.duration.WithLabelValues(e.Backend, e.Provider).Observe(e.Duration.Seconds())

	if e.Success {
		m.tokens.WithLabelValues(e.Backend, "prompt").Add(float64(e.Usage.PromptTokens))
		m.tokens.WithLabelValues(e.Backend, "completion").Add(float64(e.Usage.CompletionTokens))
		m.contextUsed.WithLabelValues(e.Backend).Set(ratio(e.Context.Used, e.Context.Limit))
	}
}

func ratio(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit)
}
