package anchored

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// maxLastErrorLength bounds the error text kept on a queue entry.
const maxLastErrorLength = 500

// RetryPolicy owns the retry ceiling, the backoff function and the
// transition of queue entries into the failed state.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultRetryPolicy returns the standard policy: 5 attempts, 2s base, 5m cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// WithDefaults fills in zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay before the next attempt after retryCount
// failures: min(base * 2^(retryCount-1), max). Zero failures means no delay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	p = p.WithDefaults()
	b := retry.WithCappedDuration(p.MaxDelay, retry.NewExponential(p.BaseDelay))

	var d time.Duration
	for i := 0; i < retryCount; i++ {
		d, _ = b.Next()
		// Saturated; stop before the shift can wrap.
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Exhausted reports whether an entry with retryCount failures is terminal.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.WithDefaults().MaxAttempts
}

// Fail records one failed attempt on e at now. The entry moves to retrying
// with a deferred NextAttemptAt, or to failed once the ceiling is reached.
func (p RetryPolicy) Fail(e *QueueEntry, cause error, now time.Time) {
	e.RetryCount++
	if cause != nil {
		e.LastError = truncate(cause.Error(), maxLastErrorLength)
	}
	if p.Exhausted(e.RetryCount) {
		e.Status = QueueFailed
		e.NextAttemptAt = nil
		return
	}
	e.Status = QueueRetrying
	e.NextAttemptAt = timePtr(now.Add(p.Backoff(e.RetryCount)))
}

// Rearm resets a failed entry so the next pass attempts it again.
func (p RetryPolicy) Rearm(e *QueueEntry) {
	e.RetryCount = 0
	e.Status = QueuePending
	e.NextAttemptAt = nil
}

// Ready reports whether e should be attempted at now.
func (p RetryPolicy) Ready(e *QueueEntry, now time.Time) bool {
	if e.Status == QueueFailed {
		return false
	}
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
