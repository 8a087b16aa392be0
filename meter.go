package quotapool

import "time"

// Meter observes admission and result events for monitoring/logging.
type Meter interface {
	// OnAdmit is called when a backend's limiter admits a request.
	OnAdmit(event AdmitEvent)

	// OnReject is called when a backend's limiter refuses a request.
	OnReject(event RejectEvent)

	// OnResult is called when a provider returns a result.
	OnResult(event ResultEvent)
}

// AdmitEvent describes an admitted request and the counters after admission.
type AdmitEvent struct {
	RequestID string
	Backend   string
	Model     string
	Attempt   int
	Tokens    int64
	Day       DayUsage
	Minute    MinuteUsage
	Context   ContextUsage
}

// RejectEvent describes a request a limiter refused.
type RejectEvent struct {
	RequestID string
	Backend   string
	Model     string
	Attempt   int
	Tokens    int64
	Err       error
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	RequestID string
	Backend   string
	Provider  string
	Model     string
	Success   bool
	Duration  time.Duration
	Usage     Usage
	Context   ContextUsage
	Error     error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmit(AdmitEvent)   {}
func (noopMeter) OnReject(RejectEvent) {}
func (noopMeter) OnResult(ResultEvent) {}
