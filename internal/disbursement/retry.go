package disbursement

import (
	"time"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
)

// RetryPolicy decides what a failed disbursement becomes. The n-th failure
// (n = retry count after incrementing) waits Schedule[n-1] when n is below
// MaxAttempts; the MaxAttempts-th failure is final.
type RetryPolicy struct {
	Schedule    []time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	schedule := make([]time.Duration, len(internal.DefaultRetrySchedule))
	copy(schedule, internal.DefaultRetrySchedule)
	return RetryPolicy{Schedule: schedule, MaxAttempts: internal.DefaultMaxAttempts}
}

func NewRetryPolicy(cfg internal.DisbursementConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	if len(cfg.RetrySchedule) > 0 {
		policy.Schedule = cfg.RetrySchedule
	}
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	return policy
}

// Decision is the outcome of one failure.
type Decision struct {
	Status      disbursement.Status
	RetryCount  int
	NextRetryAt *time.Time
}

func (d Decision) Exhausted() bool {
	return d.Status == disbursement.StatusManual
}

// Next evaluates a failure for a record that has failed retryCount times
// before.
func (p RetryPolicy) Next(retryCount int, now time.Time) Decision {
	count := retryCount + 1
	if count >= p.MaxAttempts || len(p.Schedule) == 0 {
		return Decision{Status: disbursement.StatusManual, RetryCount: count}
	}
	idx := count - 1
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	next := now.Add(p.Schedule[idx])
	return Decision{Status: disbursement.StatusRetry, RetryCount: count, NextRetryAt: &next}
}
