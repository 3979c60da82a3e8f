package disbursement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/events"
	"github.com/frahmantamala/soko-payments/pkg/metrics"
)

const (
	maxWriteAttempts = 5

	ReasonTimeout = "timeout"
)

// Service is the disbursement ledger. Every transition goes through mutate
// so concurrent writers re-evaluate against the latest row.
type Service struct {
	repo      RepositoryAPI
	policy    RetryPolicy
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.DisbursementMetrics
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

func WithMetrics(m *metrics.DisbursementMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(repo RepositoryAPI, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		policy:    DefaultRetryPolicy(),
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDisbursements writes one record per share for a payment. A payment
// that already has disbursements gets its existing set back with
// created=false.
func (s *Service) CreateDisbursements(ctx context.Context, paymentID string, shares []ArtisanShare) ([]*disbursement.ArtisanDisbursement, bool, error) {
	existing, err := s.repo.ListByPayment(ctx, paymentID)
	if err != nil {
		return nil, false, fmt.Errorf("list disbursements: %w", err)
	}
	if len(existing) > 0 {
		return existing, false, nil
	}
	if len(shares) == 0 {
		return nil, false, internal.NewValidationError("no artisan shares to disburse", internal.ErrCodeSplitMismatch)
	}

	records := make([]*disbursement.ArtisanDisbursement, 0, len(shares))
	for _, share := range shares {
		d := &disbursement.ArtisanDisbursement{
			ID:        uuid.New().String(),
			PaymentID: paymentID,
			ArtisanID: share.ArtisanID,
			Amount:    share.Amount.Round(2),
			Currency:  strings.ToUpper(share.Currency),
			Status:    disbursement.StatusPending,
			Method:    share.Profile.Method,
			Version:   1,
		}
		if d.Method == "" {
			d.Method = disbursement.MethodPhone
		}
		if share.Profile.Phone != "" {
			d.RecipientPhone = strPtr(share.Profile.Phone)
		}
		if share.Profile.PaybillNumber != "" {
			d.PaybillNumber = strPtr(share.Profile.PaybillNumber)
		}
		if share.Profile.PaybillAccount != "" {
			d.PaybillAccount = strPtr(share.Profile.PaybillAccount)
		}
		records = append(records, d)
	}

	if err := s.repo.CreateBatch(ctx, records); err != nil {
		if internal.IsType(err, internal.ErrorTypeConflict) {
			// another writer split this payment first
			existing, listErr := s.repo.ListByPayment(ctx, paymentID)
			if listErr != nil {
				return nil, false, fmt.Errorf("re-read disbursements: %w", listErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create disbursements: %w", err)
	}

	for range records {
		s.metrics.IncStatus(string(disbursement.StatusPending))
	}
	s.logger.Info("disbursements created", "payment_id", paymentID, "count", len(records))
	return records, true, nil
}

// BeginAttempt claims a pending or due retry record for one gateway call. It
// is persisted before the call so a racing result can match on the
// originator id.
func (s *Service) BeginAttempt(ctx context.Context, id, originatorID string, now time.Time) (*disbursement.ArtisanDisbursement, error) {
	d, _, err := s.mutate(ctx, func() (*disbursement.ArtisanDisbursement, error) {
		return s.repo.GetByID(ctx, id)
	}, func(d *disbursement.ArtisanDisbursement) (bool, error) {
		eligible := d.Status == disbursement.StatusPending || d.DueAt(now)
		if !eligible {
			return false, internal.NewConflictError(
				fmt.Sprintf("disbursement is %s and cannot be attempted now", d.Status),
				internal.ErrCodeDisbursementNotEligible)
		}
		d.Status = disbursement.StatusProcessing
		d.OriginatorConversationID = strPtr(originatorID)
		d.CorrelationToken = nil
		d.NextRetryAt = nil
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncStatus(string(d.Status))
	s.logger.Info("disbursement attempt started",
		"disbursement_id", d.ID,
		"originator_conversation_id", originatorID,
		"retry_count", d.RetryCount)
	return d, nil
}

// RecordDisbursementInitiated stores the gateway ConversationID of the
// current attempt.
func (s *Service) RecordDisbursementInitiated(ctx context.Context, id, correlationToken string) (*disbursement.ArtisanDisbursement, error) {
	if correlationToken == "" {
		return nil, internal.NewValidationFieldError("correlation_token", "correlation token is required", internal.ErrCodeValidationFailed)
	}
	d, _, err := s.mutate(ctx, func() (*disbursement.ArtisanDisbursement, error) {
		return s.repo.GetByID(ctx, id)
	}, func(d *disbursement.ArtisanDisbursement) (bool, error) {
		if d.CorrelationToken != nil {
			if *d.CorrelationToken == correlationToken {
				return false, nil
			}
			return false, internal.NewCorrelationCollisionError(
				fmt.Errorf("disbursement %s holds %s, got %s", d.ID, *d.CorrelationToken, correlationToken))
		}
		d.CorrelationToken = strPtr(correlationToken)
		return true, nil
	})
	if err != nil {
		s.logger.Error("failed to record disbursement token", "error", err, "disbursement_id", id, "correlation_token", correlationToken)
		return nil, err
	}
	s.logger.Info("disbursement initiated", "disbursement_id", d.ID, "correlation_token", correlationToken)
	return d, nil
}

// FailInitiation applies the retry policy to an attempt the gateway refused
// synchronously.
func (s *Service) FailInitiation(ctx context.Context, id, reason string) (*disbursement.ArtisanDisbursement, error) {
	var decision Decision
	d, applied, err := s.mutate(ctx, func() (*disbursement.ArtisanDisbursement, error) {
		return s.repo.GetByID(ctx, id)
	}, func(d *disbursement.ArtisanDisbursement) (bool, error) {
		if d.Status != disbursement.StatusProcessing {
			return false, nil
		}
		decision = s.applyFailure(d, reason)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return d, nil
	}
	return d, s.afterFailure(ctx, d, decision)
}

// ApplyDisbursementResult settles the in-flight attempt of a disbursement.
// A processing record accepts any result. A retry record accepts only a
// success for the attempt it last sent, since a lost synchronous answer may
// have been counted as a refusal.
func (s *Service) ApplyDisbursementResult(ctx context.Context, res DisbursementResult) (*disbursement.ArtisanDisbursement, bool, error) {
	if res.CorrelationToken == "" && res.OriginatorConversationID == "" {
		return nil, false, internal.NewMalformedCallbackError("disbursement result carries no conversation id")
	}

	var decision Decision
	d, applied, err := s.mutate(ctx, func() (*disbursement.ArtisanDisbursement, error) {
		return s.lookup(ctx, res.CorrelationToken, res.OriginatorConversationID)
	}, func(d *disbursement.ArtisanDisbursement) (bool, error) {
		if d.Status != disbursement.StatusProcessing && !confirmsLastAttempt(d, res) {
			return false, nil
		}
		if d.CorrelationToken == nil && res.CorrelationToken != "" {
			d.CorrelationToken = strPtr(res.CorrelationToken)
		}
		if len(res.Raw) > 0 {
			d.CallbackPayload = res.Raw
		}
		if res.Succeeded {
			now := s.now()
			d.Status = disbursement.StatusSuccess
			d.CompletedAt = &now
			d.FailureReason = nil
			d.NextRetryAt = nil
			if res.TransactionID != "" {
				d.GatewayTransactionID = strPtr(res.TransactionID)
			}
			return true, nil
		}
		reason := res.Reason
		if reason == "" {
			reason = "disbursement failed"
		}
		decision = s.applyFailure(d, reason)
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		s.logger.Info("disbursement result ignored",
			"disbursement_id", d.ID,
			"status", d.Status,
			"correlation_token", res.CorrelationToken)
		return d, false, nil
	}

	if d.Status == disbursement.StatusSuccess {
		s.metrics.IncStatus(string(d.Status))
		s.logger.Info("disbursement succeeded",
			"disbursement_id", d.ID,
			"payment_id", d.PaymentID,
			"artisan_id", d.ArtisanID,
			"transaction_id", res.TransactionID)
		s.publish(ctx, events.NewDisbursementSucceededEvent(ref(d), res.TransactionID))
		return d, true, nil
	}
	return d, true, s.afterFailure(ctx, d, decision)
}

// ApplyTimeout records a queue timeout as a failed attempt.
func (s *Service) ApplyTimeout(ctx context.Context, correlationToken, originatorID string, raw []byte) (*disbursement.ArtisanDisbursement, bool, error) {
	return s.ApplyDisbursementResult(ctx, DisbursementResult{
		CorrelationToken:         correlationToken,
		OriginatorConversationID: originatorID,
		Reason:                   ReasonTimeout,
		Raw:                      raw,
	})
}

func (s *Service) GetByID(ctx context.Context, id string) (*disbursement.ArtisanDisbursement, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPayment(ctx context.Context, paymentID string) ([]*disbursement.ArtisanDisbursement, error) {
	return s.repo.ListByPayment(ctx, paymentID)
}

// ListDue returns retry records whose wait has elapsed and pending records
// that were never claimed since pendingBefore.
func (s *Service) ListDue(ctx context.Context, now, pendingBefore time.Time, limit int) ([]*disbursement.ArtisanDisbursement, error) {
	return s.repo.ListDue(ctx, now, pendingBefore, limit)
}

func (s *Service) lookup(ctx context.Context, token, originatorID string) (*disbursement.ArtisanDisbursement, error) {
	if token != "" {
		d, err := s.repo.GetByCorrelationToken(ctx, token)
		if err == nil {
			return d, nil
		}
		if !internal.HasCode(err, internal.ErrCodeCorrelationNotFound) || originatorID == "" {
			return nil, err
		}
	}
	return s.repo.GetByOriginatorID(ctx, originatorID)
}

func confirmsLastAttempt(d *disbursement.ArtisanDisbursement, res DisbursementResult) bool {
	return res.Succeeded &&
		d.Status == disbursement.StatusRetry &&
		res.OriginatorConversationID != "" &&
		d.OriginatorConversationID != nil &&
		*d.OriginatorConversationID == res.OriginatorConversationID
}

func (s *Service) applyFailure(d *disbursement.ArtisanDisbursement, reason string) Decision {
	now := s.now()
	decision := s.policy.Next(d.RetryCount, now)
	d.RetryCount = decision.RetryCount
	d.LastRetryAt = &now
	d.Status = decision.Status
	d.NextRetryAt = decision.NextRetryAt
	d.FailureReason = strPtr(reason)
	return decision
}

func (s *Service) afterFailure(ctx context.Context, d *disbursement.ArtisanDisbursement, decision Decision) error {
	reason := ""
	if d.FailureReason != nil {
		reason = *d.FailureReason
	}
	s.metrics.IncStatus(string(decision.Status))
	if decision.Exhausted() {
		s.logger.Error("disbursement needs manual intervention",
			"disbursement_id", d.ID,
			"payment_id", d.PaymentID,
			"artisan_id", d.ArtisanID,
			"retry_count", d.RetryCount,
			"reason", reason)
		s.publish(ctx, events.NewDisbursementManualEvent(ref(d), d.RetryCount, reason))
		return internal.NewExhaustedRetriesError(
			fmt.Sprintf("disbursement %s failed %d times: %s", d.ID, d.RetryCount, reason))
	}

	s.logger.Warn("disbursement failed, retry scheduled",
		"disbursement_id", d.ID,
		"retry_count", d.RetryCount,
		"next_retry_at", decision.NextRetryAt,
		"reason", reason)
	s.publish(ctx, events.NewDisbursementRetryScheduledEvent(ref(d), d.RetryCount, *decision.NextRetryAt, reason))
	return nil
}

func (s *Service) mutate(ctx context.Context, load func() (*disbursement.ArtisanDisbursement, error), change func(*disbursement.ArtisanDisbursement) (bool, error)) (*disbursement.ArtisanDisbursement, bool, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		d, err := load()
		if err != nil {
			return nil, false, err
		}
		changed, err := change(d)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return d, false, nil
		}
		err = s.repo.Update(ctx, d)
		if err == nil {
			return d, true, nil
		}
		if !internal.HasCode(err, internal.ErrCodeStaleWrite) {
			return nil, false, err
		}
		s.logger.Debug("stale disbursement write, retrying", "disbursement_id", d.ID, "attempt", attempt+1)
	}
	return nil, false, internal.NewInternalError("disbursement kept changing underneath the update", internal.ErrStaleWrite)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish disbursement event", "error", err, "event_type", event.EventType())
	}
}

func ref(d *disbursement.ArtisanDisbursement) events.DisbursementRef {
	return events.DisbursementRef{
		DisbursementID: d.ID,
		PaymentID:      d.PaymentID,
		ArtisanID:      d.ArtisanID,
		Amount:         d.Amount,
		Currency:       d.Currency,
	}
}

func strPtr(s string) *string {
	return &s
}
