package quotapool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MinuteWindow is the length of the per-minute quota window.
const MinuteWindow = time.Minute

// Limiter tracks the day, minute and context windows of one backend and
// decides whether a request may be sent.
//
// A Limiter is safe for concurrent use. Its mutex is not held while a
// request waits out the minute window.
type Limiter struct {
	mu sync.Mutex

	name   string
	now    func() time.Time
	loc    *time.Location
	waiter Waiter

	dayStart      time.Time
	dayUsed       int64
	dayLimit      int64
	minuteReqLim  int64
	minuteTokLim  int64
	contextUsed   int64
	contextLimit  int64
	raiseOnMinute bool

	minuteReqUsed int64
	minuteTokUsed int64
	minuteStart   time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithName sets the backend name reported in limit errors.
func WithName(name string) LimiterOption {
	return func(l *Limiter) { l.name = name }
}

// WithWaiter sets the strategy used to wait out an exhausted minute window.
// The default is CooperativeWaiter.
func WithWaiter(w Waiter) LimiterOption {
	return func(l *Limiter) { l.waiter = w }
}

// WithClock replaces time.Now. Mostly useful in tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// WithLocation sets the zone whose calendar day bounds the daily quota.
// The default is DefaultZone.
func WithLocation(loc *time.Location) LimiterOption {
	return func(l *Limiter) { l.loc = loc }
}

// NewLimiter builds a Limiter from s. All limits in s must be resolved.
// A zero DayWindowStart means today.
func NewLimiter(s QuotaSettings, opts ...LimiterOption) (*Limiter, error) {
	l := &Limiter{
		now:    time.Now,
		loc:    DefaultZone,
		waiter: CooperativeWaiter,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.now == nil || l.loc == nil || l.waiter == nil {
		return nil, fmt.Errorf("%w: nil limiter option", ErrInvalidArgument)
	}

	if err := l.apply(s); err != nil {
		return nil, err
	}
	return l, nil
}

// apply replaces configuration and counters and restarts the minute window.
func (l *Limiter) apply(s QuotaSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	now := l.now()
	if s.DayWindowStart.IsZero() {
		s.DayWindowStart = now
	}

	l.dayStart = dayStart(s.DayWindowStart, l.loc)
	l.dayUsed = s.RequestsPerDayUsed
	l.dayLimit = s.RequestsPerDayLimit
	l.minuteReqLim = s.RequestsPerMinuteLimit
	l.minuteTokLim = s.TokensPerMinuteLimit
	l.contextUsed = s.ContextUsed
	l.contextLimit = s.ContextLimit
	l.raiseOnMinute = s.RaiseOnMinuteLimit

	l.minuteReqUsed = 0
	l.minuteTokUsed = 0
	l.minuteStart = now
	return nil
}

// setLimits replaces the limits and the minute-limit behaviour from s while
// keeping every counter and window. Counters above a new limit are clamped.
// s must already be valid.
func (l *Limiter) setLimits(s QuotaSettings) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dayLimit = s.RequestsPerDayLimit
	l.minuteReqLim = s.RequestsPerMinuteLimit
	l.minuteTokLim = s.TokensPerMinuteLimit
	l.contextLimit = s.ContextLimit
	l.raiseOnMinute = s.RaiseOnMinuteLimit

	l.dayUsed = min(l.dayUsed, l.dayLimit)
	l.contextUsed = min(l.contextUsed, l.contextLimit)
}

// Name returns the name reported in limit errors.
func (l *Limiter) Name() string { return l.name }

// HasDayQuota reports whether the daily request quota is not used up.
func (l *Limiter) HasDayQuota() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasDayQuota()
}

// DayWindowExpired reports whether today differs from the day window.
func (l *Limiter) DayWindowExpired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dayExpired(l.now())
}

// HasMinuteQuota reports whether both per-minute counters are under their limits.
func (l *Limiter) HasMinuteQuota() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMinuteQuota()
}

// MinuteWindowExpired reports whether a full minute has passed since the
// minute window started.
func (l *Limiter) MinuteWindowExpired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minuteExpired(l.now())
}

// HasContextBudget reports whether the context budget is not used up.
func (l *Limiter) HasContextBudget() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasContextBudget()
}

// Exhausted reports whether the next request would fail the day check:
// the daily quota is used up and the day window has not rolled over.
// Unlike HasDayQuota it turns false again at the start of a new day.
func (l *Limiter) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dayExpired(l.now()) && !l.hasDayQuota()
}

func (l *Limiter) hasDayQuota() bool { return l.dayUsed < l.dayLimit }

func (l *Limiter) dayExpired(now time.Time) bool {
	return !dayStart(now, l.loc).Equal(l.dayStart)
}

func (l *Limiter) hasMinuteQuota() bool {
	return l.minuteReqUsed < l.minuteReqLim && l.minuteTokUsed < l.minuteTokLim
}

func (l *Limiter) minuteExpired(now time.Time) bool {
	return now.Sub(l.minuteStart) >= MinuteWindow
}

func (l *Limiter) hasContextBudget() bool { return l.contextUsed < l.contextLimit }

func (l *Limiter) restartMinute(now time.Time, lastTokens int64) {
	l.minuteReqUsed = 1
	l.minuteTokUsed = lastTokens
	l.minuteStart = now
}

func (l *Limiter) limitErr(err error, used, limit int64) error {
	return &LimitError{Backend: l.name, Used: used, Limit: limit, Err: err}
}

// CheckAdmission decides whether the request just counted may be sent.
// The checks run in a fixed order:
//
//  1. an exhausted day fails with ErrDayLimitExceeded unless the day rolled over;
//  2. an exhausted context budget fails with ErrContextLimitExceeded;
//  3. a rolled-over day starts a new day window counting this request, and admits;
//  4. an expired minute window restarts it with this request, and admits;
//  5. an exhausted minute window fails with ErrMinuteLimitExceeded when the
//     limiter raises on minute limits, otherwise waits for the window to close,
//     restarts it and admits.
func (l *Limiter) CheckAdmission(ctx context.Context, lastTokens int64) error {
	l.mu.Lock()
	wait, window, err := l.evaluate(lastTokens)
	l.mu.Unlock()
	if err != nil || wait <= 0 {
		return err
	}

	if err := l.waiter.Wait(ctx, wait); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Somebody else rolled the window while we slept: join it.
	if !l.minuteStart.Equal(window) {
		l.minuteReqUsed++
		l.minuteTokUsed += lastTokens
		return nil
	}
	l.restartMinute(l.now(), lastTokens)
	return nil
}

// evaluate runs the admission checks with l.mu held. A positive wait means
// the caller must sleep and then restart the minute window that began at
// window.
func (l *Limiter) evaluate(lastTokens int64) (wait time.Duration, window time.Time, err error) {
	now := l.now()
	dayExpired := l.dayExpired(now)

	if !dayExpired && !l.hasDayQuota() {
		return 0, time.Time{}, l.limitErr(ErrDayLimitExceeded, l.dayUsed, l.dayLimit)
	}

	if !l.hasContextBudget() {
		return 0, time.Time{}, l.limitErr(ErrContextLimitExceeded, l.contextUsed, l.contextLimit)
	}

	if dayExpired {
		l.dayStart = dayStart(now, l.loc)
		l.dayUsed = 1
		return 0, time.Time{}, nil
	}

	if l.minuteExpired(now) {
		l.restartMinute(now, lastTokens)
		return 0, time.Time{}, nil
	}

	if !l.hasMinuteQuota() {
		if l.raiseOnMinute {
			if l.minuteReqUsed >= l.minuteReqLim {
				return 0, time.Time{}, l.limitErr(ErrMinuteLimitExceeded, l.minuteReqUsed, l.minuteReqLim)
			}
			return 0, time.Time{}, l.limitErr(ErrMinuteLimitExceeded, l.minuteTokUsed, l.minuteTokLim)
		}
		return MinuteWindow - now.Sub(l.minuteStart), l.minuteStart, nil
	}

	return 0, time.Time{}, nil
}

// RecordUsage counts one request of the given token cost against every
// window, adds the tokens to the context budget and then runs CheckAdmission.
//
// The counters are advanced before admission is checked. An error therefore
// means the request must not be sent but its usage has already been counted.
func (l *Limiter) RecordUsage(ctx context.Context, tokens int64) error {
	_, err := l.recordUsage(ctx, tokens)
	return err
}

// recordUsage is RecordUsage that also reports whether tokens were added to
// the context budget, so a caller that does not send the request can give
// them back.
func (l *Limiter) recordUsage(ctx context.Context, tokens int64) (charged bool, err error) {
	if tokens < 0 {
		return false, fmt.Errorf("%w: negative token count %d", ErrInvalidArgument, tokens)
	}

	l.mu.Lock()
	l.dayUsed++
	l.minuteReqUsed++
	l.minuteTokUsed += tokens
	err = l.addContext(tokens)
	l.mu.Unlock()
	if err != nil {
		return false, err
	}

	return true, l.CheckAdmission(ctx, tokens)
}

// releaseContext gives back tokens charged for a request that was never
// answered. It never drops below zero, even if the budget was cleared in
// the meantime.
func (l *Limiter) releaseContext(tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contextUsed = max(l.contextUsed-tokens, 0)
}

// AddContext adds tokens to the context budget. It fails with
// ErrContextLimitExceeded, leaving the budget unchanged, if the result would
// exceed the limit.
func (l *Limiter) AddContext(tokens int64) error {
	if tokens < 0 {
		return fmt.Errorf("%w: negative token count %d", ErrInvalidArgument, tokens)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addContext(tokens)
}

func (l *Limiter) addContext(tokens int64) error {
	if l.contextUsed+tokens > l.contextLimit {
		return l.limitErr(ErrContextLimitExceeded, l.contextUsed+tokens, l.contextLimit)
	}
	l.contextUsed += tokens
	return nil
}

// DecreaseContext releases tokens from the context budget, e.g. after
// trimming conversation history.
func (l *Limiter) DecreaseContext(tokens int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tokens < 0 {
		return fmt.Errorf("%w: negative token count %d", ErrInvalidArgument, tokens)
	}
	if l.contextUsed-tokens < 0 {
		return fmt.Errorf("%w: cannot decrease context %d by %d", ErrInvalidArgument, l.contextUsed, tokens)
	}
	l.contextUsed -= tokens
	return nil
}

// ClearContext empties the context budget.
func (l *Limiter) ClearContext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contextUsed = 0
}

// CloseDayLimit marks the daily quota as used up.
func (l *Limiter) CloseDayLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dayUsed = l.dayLimit
}

// MergeDayUsage raises the day counter to used when windowStart is the
// limiter's current day window and used is higher, clamped to the limit.
// It reports whether the counter changed.
func (l *Limiter) MergeDayUsage(windowStart time.Time, used int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dayStart.Equal(windowStart) || used <= l.dayUsed {
		return false
	}
	l.dayUsed = min(used, l.dayLimit)
	return true
}

// CloseMinuteLimit marks both per-minute quotas as used up.
func (l *Limiter) CloseMinuteLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minuteReqUsed = l.minuteReqLim
	l.minuteTokUsed = l.minuteTokLim
}

// DayUsage is a read-only view of the daily window.
type DayUsage struct {
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	WindowStart time.Time `json:"window_start"`
}

// MinuteUsage is a read-only view of the minute window.
type MinuteUsage struct {
	UsedRequests int64 `json:"used_requests"`
	RequestLimit int64 `json:"request_limit"`
	UsedTokens   int64 `json:"used_tokens"`
	TokenLimit   int64 `json:"token_limit"`
}

// ContextUsage is a read-only view of the context budget.
type ContextUsage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// DayUsage returns the daily window counters.
func (l *Limiter) DayUsage() DayUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return DayUsage{Used: l.dayUsed, Limit: l.dayLimit, WindowStart: l.dayStart}
}

// MinuteUsage returns the minute window counters.
func (l *Limiter) MinuteUsage() MinuteUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return MinuteUsage{
		UsedRequests: l.minuteReqUsed,
		RequestLimit: l.minuteReqLim,
		UsedTokens:   l.minuteTokUsed,
		TokenLimit:   l.minuteTokLim,
	}
}

// ContextUsage returns the context budget counters.
func (l *Limiter) ContextUsage() ContextUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ContextUsage{Used: l.contextUsed, Limit: l.contextLimit}
}

// Settings exports the persistent part of the limiter state.
func (l *Limiter) Settings() QuotaSettings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return QuotaSettings{
		DayWindowStart:         l.dayStart,
		RequestsPerDayUsed:     l.dayUsed,
		RequestsPerDayLimit:    l.dayLimit,
		RequestsPerMinuteLimit: l.minuteReqLim,
		TokensPerMinuteLimit:   l.minuteTokLim,
		ContextUsed:            l.contextUsed,
		ContextLimit:           l.contextLimit,
		RaiseOnMinuteLimit:     l.raiseOnMinute,
	}
}

// SetSettings replaces the limiter configuration and counters with s.
// The minute window restarts empty.
func (l *Limiter) SetSettings(s QuotaSettings) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(s)
}
