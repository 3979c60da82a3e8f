package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	JobDisbursementRetry       = "disbursement_retry"
	JobSplitRecovery           = "disbursement_split_recovery"
	JobPaymentInitiationExpiry = "payment_initiation_expiry"
)

type dueRetrier interface {
	RetryDue(ctx context.Context, limit int) (int, error)
}

type pendingSplitter interface {
	SplitPending(ctx context.Context, limit int) (int, error)
}

type initiationExpirer interface {
	ExpireUninitiated(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type retryJob struct {
	scheduler dueRetrier
	batchSize int
	logger    *slog.Logger
}

// NewRetryJob re-attempts payouts whose backoff has elapsed.
func NewRetryJob(scheduler dueRetrier, batchSize int, logger *slog.Logger) (Job, error) {
	if scheduler == nil {
		return nil, errors.New("disbursement scheduler required")
	}
	return &retryJob{scheduler: scheduler, batchSize: batchSize, logger: logger}, nil
}

func (j *retryJob) Name() string { return JobDisbursementRetry }

func (j *retryJob) Run(ctx context.Context) error {
	n, err := j.scheduler.RetryDue(ctx, j.batchSize)
	if n > 0 {
		j.logger.Info("retried due disbursements", "count", n)
	}
	return err
}

type splitRecoveryJob struct {
	scheduler pendingSplitter
	batchSize int
	logger    *slog.Logger
}

// NewSplitRecoveryJob splits settled payments whose completion event was lost.
func NewSplitRecoveryJob(scheduler pendingSplitter, batchSize int, logger *slog.Logger) (Job, error) {
	if scheduler == nil {
		return nil, errors.New("disbursement scheduler required")
	}
	return &splitRecoveryJob{scheduler: scheduler, batchSize: batchSize, logger: logger}, nil
}

func (j *splitRecoveryJob) Name() string { return JobSplitRecovery }

func (j *splitRecoveryJob) Run(ctx context.Context) error {
	n, err := j.scheduler.SplitPending(ctx, j.batchSize)
	if n > 0 {
		j.logger.Info("recovered unsplit payments", "count", n)
	}
	return err
}

type expiryJob struct {
	payments  initiationExpirer
	olderThan time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewExpiryJob fails pending payments that never reached the gateway.
func NewExpiryJob(payments initiationExpirer, olderThan time.Duration, batchSize int, logger *slog.Logger) (Job, error) {
	if payments == nil {
		return nil, errors.New("payment service required")
	}
	if olderThan <= 0 {
		return nil, errors.New("initiation expiry must be positive")
	}
	return &expiryJob{payments: payments, olderThan: olderThan, batchSize: batchSize, logger: logger}, nil
}

func (j *expiryJob) Name() string { return JobPaymentInitiationExpiry }

func (j *expiryJob) Run(ctx context.Context) error {
	n, err := j.payments.ExpireUninitiated(ctx, j.olderThan, j.batchSize)
	if n > 0 {
		j.logger.Info("expired uninitiated payments", "count", n)
	}
	return err
}
