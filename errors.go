package quotapool

import (
	"errors"
	"fmt"
)

// Limiter errors.
var (
	ErrDayLimitExceeded     = errors.New("quotapool: day limit exceeded")
	ErrMinuteLimitExceeded  = errors.New("quotapool: minute limit exceeded")
	ErrContextLimitExceeded = errors.New("quotapool: context limit exceeded")
	ErrInvalidArgument      = errors.New("quotapool: invalid argument")
)

// Client errors.
var (
	ErrNoUsableBackend     = errors.New("quotapool: no backend has day quota")
	ErrAllFailed           = errors.New("quotapool: all backends failed")
	ErrRateLimited         = errors.New("quotapool: rate limited by provider")
	ErrAuthFailed          = errors.New("quotapool: authentication failed")
	ErrInvalidRequest      = errors.New("quotapool: invalid request")
	ErrProviderUnavailable = errors.New("quotapool: provider unavailable")
	ErrNoProvider          = errors.New("quotapool: backend has no provider")
)

// LimitError carries the counter that tripped a limiter check.
type LimitError struct {
	Backend string
	Used    int64
	Limit   int64
	Err     error
}

func (e *LimitError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("%v: used=%d limit=%d", e.Err, e.Used, e.Limit)
	}
	return fmt.Sprintf("%v: backend=%s used=%d limit=%d", e.Err, e.Backend, e.Used, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return e.Err
}

// ClientError wraps an error with the backend that produced it.
type ClientError struct {
	Err      error
	Backend  string
	Provider string
	Model    string
	Attempts int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("quotapool: backend=%s provider=%s model=%s attempts=%d: %v",
		e.Backend, e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another backend.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrContextLimitExceeded)
}

// IsRetryable returns true if the error can be retried with another backend.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		IsQuotaExhausted(err)
}

// IsQuotaExhausted reports whether err is a day or minute window exhaustion,
// the two conditions a pool fails over on.
func IsQuotaExhausted(err error) bool {
	return errors.Is(err, ErrDayLimitExceeded) || errors.Is(err, ErrMinuteLimitExceeded)
}
