package meter

import (
	"errors"

	"github.com/ineyio/quotapool"
)

// rejectKind maps a limiter error to a short label value.
func rejectKind(err error) string {
	switch {
	case errors.Is(err, quotapool.ErrDayLimitExceeded):
		return "day"
	case errors.Is(err, quotapool.ErrMinuteLimitExceeded):
		return "minute"
	case errors.Is(err, quotapool.ErrContextLimitExceeded):
		return "context"
	case err == nil:
		return "none"
	default:
		return "other"
	}
}
