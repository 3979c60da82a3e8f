package disbursement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/commerce"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/soko-payments/internal/core/events"
	"github.com/frahmantamala/soko-payments/internal/mpesa"
)

// splitTolerance is one minor unit.
var splitTolerance = decimal.New(1, -2)

const defaultPendingGrace = time.Minute

// Scheduler turns settled payments into payouts and drives every attempt
// and retry through the dispatcher.
type Scheduler struct {
	ledger       *Service
	payments     PaymentReader
	orders       commerce.OrderReader
	artisans     commerce.ArtisanDirectory
	gateway      DisbursementGateway
	publisher    events.Publisher
	dispatcher   *Dispatcher
	logger       *slog.Logger
	now          func() time.Time
	pendingGrace time.Duration

	// payments whose split failure was already raised to operators
	mu          sync.Mutex
	splitFailed map[string]struct{}
}

type SchedulerParams struct {
	Ledger     *Service
	Payments   PaymentReader
	Orders     commerce.OrderReader
	Artisans   commerce.ArtisanDirectory
	Gateway    DisbursementGateway
	Publisher  events.Publisher
	Dispatcher DispatcherConfig
	Logger     *slog.Logger
	Clock      func() time.Time
	// PendingGrace is how long a pending record may sit unclaimed before a
	// sweep picks it up.
	PendingGrace time.Duration
}

func NewScheduler(params SchedulerParams) *Scheduler {
	s := &Scheduler{
		ledger:       params.Ledger,
		payments:     params.Payments,
		orders:       params.Orders,
		artisans:     params.Artisans,
		gateway:      params.Gateway,
		publisher:    params.Publisher,
		logger:       params.Logger,
		now:          params.Clock,
		pendingGrace: params.PendingGrace,
		splitFailed:  make(map[string]struct{}),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.pendingGrace <= 0 {
		s.pendingGrace = defaultPendingGrace
	}
	s.dispatcher = NewDispatcher(params.Dispatcher, s.attemptJob, params.Logger)
	return s
}

// Split divides a settled payment among its artisans, persists the payouts
// and attempts every one that is still pending.
func (s *Scheduler) Split(ctx context.Context, paymentID string) ([]*disbursement.ArtisanDisbursement, error) {
	p, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusSuccess {
		return nil, internal.NewValidationError(
			fmt.Sprintf("payment %s is %s, not settled", p.ID, p.Status),
			internal.ErrCodePaymentNotSettled)
	}

	records, err := s.ledger.ListByPayment(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list disbursements: %w", err)
	}

	if len(records) == 0 {
		shares, err := s.shares(ctx, p)
		if err != nil {
			if s.markSplitFailed(p.ID) {
				s.logger.Error("payment split failed", "error", err, "payment_id", p.ID, "order_id", p.OrderID)
				s.publishSplitFailed(ctx, p, err)
			} else {
				s.logger.Warn("payment split still failing", "error", err, "payment_id", p.ID, "order_id", p.OrderID)
			}
			return nil, err
		}
		records, _, err = s.ledger.CreateDisbursements(ctx, p.ID, shares)
		if err != nil {
			return nil, err
		}
	}

	var pending []string
	for _, d := range records {
		if d.Status == disbursement.StatusPending {
			pending = append(pending, d.ID)
		}
	}
	if err := s.dispatcher.RunBatch(ctx, pending); err != nil {
		s.logger.Warn("not every disbursement was attempted", "error", err, "payment_id", p.ID)
	}

	return s.ledger.ListByPayment(ctx, p.ID)
}

func (s *Scheduler) shares(ctx context.Context, p *payment.Payment) ([]ArtisanShare, error) {
	order, err := s.orders.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]decimal.Decimal)
	var artisans []string
	for _, item := range order.Items {
		if item.ArtisanID == "" {
			return nil, internal.NewValidationError("order item has no artisan", internal.ErrCodeSplitMismatch)
		}
		if _, seen := totals[item.ArtisanID]; !seen {
			artisans = append(artisans, item.ArtisanID)
			totals[item.ArtisanID] = decimal.Zero
		}
		totals[item.ArtisanID] = totals[item.ArtisanID].Add(item.LineTotal())
	}
	if len(artisans) == 0 {
		return nil, internal.NewValidationError("order has no items to split", internal.ErrCodeSplitMismatch)
	}

	sum := decimal.Zero
	for _, id := range artisans {
		sum = sum.Add(totals[id])
	}
	if sum.Sub(p.Amount).Abs().GreaterThan(splitTolerance) {
		return nil, internal.NewValidationError(
			fmt.Sprintf("artisan shares total %s but payment is %s", sum.StringFixed(2), p.Amount.StringFixed(2)),
			internal.ErrCodeSplitMismatch)
	}

	shares := make([]ArtisanShare, 0, len(artisans))
	for _, id := range artisans {
		profile, err := s.artisans.GetPayoutProfile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("payout profile for artisan %s: %w", id, err)
		}
		shares = append(shares, ArtisanShare{
			ArtisanID: id,
			Amount:    totals[id],
			Currency:  p.Currency,
			Profile:   *profile,
		})
	}
	return shares, nil
}

// Attempt makes one gateway call for a disbursement. Records that are not
// eligible are skipped silently.
func (s *Scheduler) Attempt(ctx context.Context, id string) error {
	originatorID := uuid.New().String()
	d, err := s.ledger.BeginAttempt(ctx, id, originatorID, s.now())
	if err != nil {
		if internal.HasCode(err, internal.ErrCodeDisbursementNotEligible) {
			s.logger.Debug("disbursement not eligible for an attempt", "disbursement_id", id, "reason", err)
			return nil
		}
		return err
	}

	resp, err := s.gateway.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
		OriginatorConversationID: originatorID,
		Method:                   d.Method,
		Destination:              d.Destination(),
		AccountReference:         d.AccountReference(),
		Amount:                   d.Amount,
		Remarks:                  "Artisan payout",
		Occasion:                 "Payment " + d.PaymentID,
	})
	if err != nil {
		if internal.HasCode(err, internal.ErrCodeGatewayOutcomeUnknown) {
			s.logger.Warn("disbursement outcome unknown, left in flight",
				"disbursement_id", d.ID,
				"originator_conversation_id", originatorID,
				"error", err)
			return nil
		}
		s.logger.Error("disbursement initiation rejected", "disbursement_id", d.ID, "error", err)
		_, failErr := s.ledger.FailInitiation(ctx, d.ID, rejectionReason(err))
		return failErr
	}

	_, err = s.ledger.RecordDisbursementInitiated(ctx, d.ID, resp.ConversationID)
	return err
}

func (s *Scheduler) attemptJob(ctx context.Context, id string) {
	if err := s.Attempt(ctx, id); err != nil {
		if internal.HasCode(err, internal.ErrCodeRetriesExhausted) {
			return
		}
		s.logger.Error("disbursement attempt failed", "error", err, "disbursement_id", id)
	}
}

// RetryDue re-attempts every retry record whose wait has elapsed. Nothing is
// attempted before its next_retry_at.
func (s *Scheduler) RetryDue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.ledger.ListDue(ctx, now, now.Add(-s.pendingGrace), limit)
	if err != nil {
		return 0, fmt.Errorf("list due disbursements: %w", err)
	}
	ids := make([]string, 0, len(due))
	for _, d := range due {
		ids = append(ids, d.ID)
	}
	if err := s.dispatcher.RunBatch(ctx, ids); err != nil {
		return len(ids), err
	}
	if len(ids) > 0 {
		s.logger.Info("due disbursements attempted", "count", len(ids))
	}
	return len(ids), nil
}

// SplitPending recovers settled payments that never got their payouts.
func (s *Scheduler) SplitPending(ctx context.Context, limit int) (int, error) {
	awaiting, err := s.payments.ListAwaitingSplit(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list payments awaiting split: %w", err)
	}
	split := 0
	for _, p := range awaiting {
		if ctx.Err() != nil {
			return split, ctx.Err()
		}
		if _, err := s.Split(ctx, p.ID); err != nil {
			s.logger.Error("recovery split failed", "error", err, "payment_id", p.ID)
			continue
		}
		split++
	}
	return split, nil
}

func (s *Scheduler) Shutdown() {
	s.dispatcher.Shutdown()
}

// markSplitFailed reports whether this is the first failure seen for
// paymentID.
func (s *Scheduler) markSplitFailed(paymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.splitFailed[paymentID]; seen {
		return false
	}
	s.splitFailed[paymentID] = struct{}{}
	return true
}

func (s *Scheduler) publishSplitFailed(ctx context.Context, p *payment.Payment, cause error) {
	if s.publisher == nil {
		return
	}
	event := events.NewDisbursementSplitFailedEvent(p.ID, p.OrderID, cause.Error())
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish split failure", "error", err, "payment_id", p.ID)
	}
}

func rejectionReason(err error) string {
	if appErr, ok := internal.IsAppError(err); ok {
		if details, ok := appErr.Details.(internal.GatewayDetails); ok && details.Reason != "" {
			return details.Reason
		}
		return appErr.Message
	}
	return err.Error()
}
