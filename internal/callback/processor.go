package callback

import (
	"context"
	"log/slog"
	"time"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	mpesatypes "github.com/frahmantamala/soko-payments/internal/core/datamodel/mpesa"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
	disbursementpkg "github.com/frahmantamala/soko-payments/internal/disbursement"
	paymentpkg "github.com/frahmantamala/soko-payments/internal/payment"
	"github.com/frahmantamala/soko-payments/pkg/metrics"
)

const (
	KindCollection          = "collection"
	KindDisbursementResult  = "b2c_result"
	KindDisbursementTimeout = "b2c_timeout"
)

// CollectionApplier is the payment ledger as seen by the collection callback.
type CollectionApplier interface {
	ApplyCollectionResult(ctx context.Context, res paymentpkg.CollectionResult) (*payment.Payment, bool, error)
}

// DisbursementApplier is the disbursement ledger as seen by the B2C callbacks.
type DisbursementApplier interface {
	ApplyDisbursementResult(ctx context.Context, res disbursementpkg.DisbursementResult) (*disbursement.ArtisanDisbursement, bool, error)
	ApplyTimeout(ctx context.Context, correlationToken, originatorID string, raw []byte) (*disbursement.ArtisanDisbursement, bool, error)
}

type Config struct {
	// LookupRetries is how many extra lookups a callback gets when its token
	// is not stored yet.
	LookupRetries int
	LookupDelay   time.Duration
}

func ConfigFrom(cfg internal.CallbackConfig) Config {
	return Config{LookupRetries: cfg.LookupRetries, LookupDelay: cfg.LookupDelay}
}

// Processor decodes gateway callbacks and applies them to the ledgers.
type Processor struct {
	payments      CollectionApplier
	disbursements DisbursementApplier
	metrics       *metrics.CallbackMetrics
	logger        *slog.Logger
	cfg           Config
}

func NewProcessor(payments CollectionApplier, disbursements DisbursementApplier, cfg Config, m *metrics.CallbackMetrics, logger *slog.Logger) *Processor {
	return &Processor{
		payments:      payments,
		disbursements: disbursements,
		metrics:       m,
		logger:        logger,
		cfg:           cfg,
	}
}

// HandleCollectionCallback applies an STK callback to its payment.
func (p *Processor) HandleCollectionCallback(ctx context.Context, raw []byte) error {
	cb, err := mpesatypes.DecodeSTKCallback(raw)
	if err != nil {
		return p.done(KindCollection, err, false)
	}

	res := paymentpkg.CollectionResult{
		CorrelationToken: cb.CheckoutRequestID,
		Succeeded:        cb.Succeeded(),
		Reason:           cb.ResultDesc,
		Raw:              raw,
	}
	if res.Succeeded {
		receipt, err := cb.ReceiptNumber()
		if err != nil {
			return p.done(KindCollection, err, false)
		}
		res.ReceiptID = receipt
	}

	var applied bool
	err = p.withLookupRetry(ctx, func() error {
		var applyErr error
		_, applied, applyErr = p.payments.ApplyCollectionResult(ctx, res)
		return applyErr
	})
	if err == nil {
		p.logger.Info("collection callback processed",
			"checkout_request_id", cb.CheckoutRequestID,
			"succeeded", res.Succeeded,
			"applied", applied)
	}
	return p.done(KindCollection, err, applied)
}

// HandleDisbursementResult applies a B2C result callback.
func (p *Processor) HandleDisbursementResult(ctx context.Context, raw []byte) error {
	r, err := mpesatypes.DecodeB2CResult(raw)
	if err != nil {
		return p.done(KindDisbursementResult, err, false)
	}

	res := disbursementpkg.DisbursementResult{
		CorrelationToken:         r.ConversationID,
		OriginatorConversationID: r.OriginatorConversationID,
		Succeeded:                r.Succeeded(),
		TransactionID:            r.TransactionID,
		Raw:                      raw,
	}
	if !res.Succeeded {
		res.Reason = r.Reason()
	}

	var applied bool
	err = p.withLookupRetry(ctx, func() error {
		var applyErr error
		_, applied, applyErr = p.disbursements.ApplyDisbursementResult(ctx, res)
		return applyErr
	})
	if err == nil || internal.HasCode(err, internal.ErrCodeRetriesExhausted) {
		p.logger.Info("disbursement result processed",
			"conversation_id", r.ConversationID,
			"originator_conversation_id", r.OriginatorConversationID,
			"succeeded", res.Succeeded,
			"applied", applied)
	}
	return p.done(KindDisbursementResult, err, applied)
}

// HandleDisbursementTimeout applies a B2C queue timeout as a failed attempt.
func (p *Processor) HandleDisbursementTimeout(ctx context.Context, raw []byte) error {
	r, err := mpesatypes.DecodeB2CTimeout(raw)
	if err != nil {
		return p.done(KindDisbursementTimeout, err, false)
	}

	var applied bool
	err = p.withLookupRetry(ctx, func() error {
		var applyErr error
		_, applied, applyErr = p.disbursements.ApplyTimeout(ctx, r.ConversationID, r.OriginatorConversationID, raw)
		return applyErr
	})
	if err == nil || internal.HasCode(err, internal.ErrCodeRetriesExhausted) {
		p.logger.Warn("disbursement timed out in the gateway queue",
			"conversation_id", r.ConversationID,
			"originator_conversation_id", r.OriginatorConversationID,
			"applied", applied)
	}
	return p.done(KindDisbursementTimeout, err, applied)
}

// withLookupRetry repeats fn while the record it needs is not found, to cover
// a callback that beats the write of its correlation token.
func (p *Processor) withLookupRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for i := 0; i < p.cfg.LookupRetries && internal.HasCode(err, internal.ErrCodeCorrelationNotFound); i++ {
		timer := time.NewTimer(p.cfg.LookupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		err = fn()
	}
	return err
}

// done counts the callback. A disbursement sent to manual review is still a
// processed callback, so RETRIES_EXHAUSTED is not returned.
func (p *Processor) done(kind string, err error, applied bool) error {
	switch {
	case err == nil && applied:
		p.metrics.Observe(kind, metrics.OutcomeApplied)
	case err == nil:
		p.metrics.Observe(kind, metrics.OutcomeDuplicate)
	case internal.HasCode(err, internal.ErrCodeRetriesExhausted):
		p.metrics.Observe(kind, metrics.OutcomeApplied)
		return nil
	case internal.HasCode(err, internal.ErrCodeCorrelationNotFound):
		p.metrics.Observe(kind, metrics.OutcomeNotFound)
	case internal.HasCode(err, internal.ErrCodeMalformedCallback):
		p.metrics.Observe(kind, metrics.OutcomeMalformed)
	default:
		p.metrics.Observe(kind, metrics.OutcomeError)
	}
	return err
}
