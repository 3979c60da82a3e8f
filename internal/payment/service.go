package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/commerce"
	"github.com/frahmantamala/soko-payments/internal/core/common/validation"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/soko-payments/internal/core/events"
	"github.com/frahmantamala/soko-payments/internal/mpesa"
)

const (
	maxWriteAttempts = 5
	accountRefLength = 12

	reasonInitiationExpired = "collection initiation outcome unknown; expired"
)

type Service struct {
	repo        RepositoryAPI
	orders      commerce.OrderReader
	gateway     CollectionGateway
	publisher   events.Publisher
	logger      *slog.Logger
	now         func() time.Time
	countryCode string
	currency    string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithCountryCode(code string) Option {
	return func(s *Service) {
		if code != "" {
			s.countryCode = code
		}
	}
}

// WithDefaultCurrency is used for orders that carry no currency of their own.
func WithDefaultCurrency(currency string) Option {
	return func(s *Service) {
		if currency != "" {
			s.currency = strings.ToUpper(currency)
		}
	}
}

func NewService(repo RepositoryAPI, orders commerce.OrderReader, gateway CollectionGateway, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		orders:      orders,
		gateway:     gateway,
		publisher:   publisher,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		countryCode: mpesa.DefaultCountryCode,
		currency:    "KES",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (in CreatePaymentInput) validate() error {
	validator := validation.NewValidator()
	validator.Field("order_id", in.OrderID).Required().MaxLength(64)
	validator.Field("amount", in.Amount).Required().PositiveAmount()
	validator.Field("currency", in.Currency).Required().Currency()
	validator.Field("payer_phone", in.PayerPhone).Required()

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// CreatePayment opens a pending payment for an order. Only one pending
// payment may exist per order at a time.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*payment.Payment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	phone, err := mpesa.NormalizePhone(in.PayerPhone, s.countryCode)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetPendingByOrderID(ctx, in.OrderID); err == nil && existing != nil {
		s.logger.Warn("payment already in flight", "order_id", in.OrderID, "payment_id", existing.ID)
		return nil, internal.ErrPaymentInFlight
	} else if err != nil && !internal.HasCode(err, internal.ErrCodePaymentNotFound) {
		return nil, fmt.Errorf("check pending payment: %w", err)
	}

	p := &payment.Payment{
		ID:         uuid.New().String(),
		OrderID:    in.OrderID,
		BuyerID:    in.BuyerID,
		Amount:     in.Amount.Round(2),
		Currency:   strings.ToUpper(in.Currency),
		PayerPhone: phone,
		Status:     payment.StatusPending,
		Version:    1,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if internal.HasCode(err, internal.ErrCodePaymentInFlight) {
			return nil, err
		}
		s.logger.Error("failed to create payment record", "error", err, "order_id", in.OrderID)
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	s.logger.Info("payment record created",
		"payment_id", p.ID,
		"order_id", p.OrderID,
		"amount", p.Amount.String(),
		"currency", p.Currency)
	return p, nil
}

// RecordCollectionInitiated stores the gateway's CheckoutRequestID. A payment
// that already carries a different token is a collision and is never
// overwritten.
func (s *Service) RecordCollectionInitiated(ctx context.Context, paymentID, correlationToken, merchantRequestID string) (*payment.Payment, error) {
	if correlationToken == "" {
		return nil, internal.NewValidationFieldError("correlation_token", "correlation token is required", internal.ErrCodeValidationFailed)
	}

	p, _, err := s.mutate(ctx, func() (*payment.Payment, error) {
		return s.repo.GetByID(ctx, paymentID)
	}, func(p *payment.Payment) (bool, error) {
		if p.HasCorrelationToken() {
			if p.Token() == correlationToken {
				return false, nil
			}
			return false, internal.NewCorrelationCollisionError(
				fmt.Errorf("payment %s holds %s, got %s", p.ID, p.Token(), correlationToken))
		}
		token := correlationToken
		p.CorrelationToken = &token
		if merchantRequestID != "" {
			mr := merchantRequestID
			p.MerchantRequestID = &mr
		}
		return true, nil
	})
	if err != nil {
		s.logger.Error("failed to record collection token",
			"error", err,
			"payment_id", paymentID,
			"correlation_token", correlationToken)
		return nil, err
	}

	s.logger.Info("collection initiated",
		"payment_id", p.ID,
		"correlation_token", correlationToken)
	return p, nil
}

// ApplyCollectionResult settles a payment from its callback. Terminal
// payments are returned untouched with applied=false.
func (s *Service) ApplyCollectionResult(ctx context.Context, res CollectionResult) (*payment.Payment, bool, error) {
	if res.CorrelationToken == "" {
		return nil, false, internal.NewMalformedCallbackError("collection result has no correlation token")
	}

	p, applied, err := s.mutate(ctx, func() (*payment.Payment, error) {
		return s.repo.GetByCorrelationToken(ctx, res.CorrelationToken)
	}, func(p *payment.Payment) (bool, error) {
		if p.IsTerminal() {
			return false, nil
		}
		now := s.now()
		p.ReceivedAt = &now
		if len(res.Raw) > 0 {
			p.CallbackPayload = res.Raw
		}
		if res.Succeeded {
			p.Status = payment.StatusSuccess
			if res.ReceiptID != "" {
				receipt := res.ReceiptID
				p.GatewayReceipt = &receipt
			}
			p.FailureReason = nil
			return true, nil
		}
		p.Status = payment.StatusFailed
		reason := res.Reason
		if reason == "" {
			reason = "collection failed"
		}
		p.FailureReason = &reason
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	if !applied {
		s.logger.Info("collection result ignored for settled payment",
			"payment_id", p.ID,
			"status", p.Status,
			"correlation_token", res.CorrelationToken)
		return p, false, nil
	}

	s.logger.Info("collection result applied",
		"payment_id", p.ID,
		"order_id", p.OrderID,
		"status", p.Status)
	s.publishOutcome(ctx, p)
	return p, true, nil
}

// InitiateCollection runs the buyer-facing flow: order lookup, a pending
// payment, the STK push and the token bookkeeping. No lock is held while the
// gateway is called.
func (s *Service) InitiateCollection(ctx context.Context, in InitiateCollectionInput) (*payment.Payment, error) {
	validator := validation.NewValidator()
	validator.Field("order_id", in.OrderID).Required()
	validator.Field("phone", in.Phone).Required()
	if appErr := validator.Validate(); appErr != nil {
		return nil, appErr
	}

	order, err := s.orders.GetOrder(ctx, in.OrderID)
	if err != nil {
		if internal.IsType(err, internal.ErrorTypeNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get order %s: %w", in.OrderID, err)
	}

	amount := order.Total
	if !amount.IsPositive() {
		amount = order.ItemsTotal()
	}
	currency := order.Currency
	if currency == "" {
		currency = s.currency
	}

	p, err := s.CreatePayment(ctx, CreatePaymentInput{
		OrderID:    order.ID,
		BuyerID:    order.BuyerID,
		Amount:     amount,
		Currency:   currency,
		PayerPhone: in.Phone,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.gateway.InitiateCollection(ctx, mpesa.CollectionRequest{
		Phone:      p.PayerPhone,
		Amount:     p.Amount,
		OrderRef:   order.ID,
		AccountRef: accountReference(order.ID),
	})
	if err != nil {
		if internal.HasCode(err, internal.ErrCodeGatewayOutcomeUnknown) {
			s.logger.Warn("collection outcome unknown, payment left pending",
				"payment_id", p.ID,
				"order_id", p.OrderID,
				"error", err)
			return p, nil
		}
		s.logger.Error("collection initiation rejected",
			"payment_id", p.ID,
			"order_id", p.OrderID,
			"error", err)
		if _, failErr := s.fail(ctx, p.ID, rejectionReason(err)); failErr != nil {
			s.logger.Error("failed to mark rejected payment as failed", "error", failErr, "payment_id", p.ID)
		}
		return nil, err
	}

	return s.RecordCollectionInitiated(ctx, p.ID, resp.CheckoutRequestID, resp.MerchantRequestID)
}

// ExpireUninitiated fails pending payments whose initiation never produced a
// correlation token. Payments that do hold a token are left to the gateway.
func (s *Service) ExpireUninitiated(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stale, err := s.repo.ListUninitiated(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list uninitiated payments: %w", err)
	}

	expired := 0
	for _, candidate := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		applied, err := s.fail(ctx, candidate.ID, reasonInitiationExpired)
		if err != nil {
			s.logger.Error("failed to expire payment", "error", err, "payment_id", candidate.ID)
			continue
		}
		if applied {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("expired uninitiated payments", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListAwaitingSplit returns settled payments that have no disbursements yet.
func (s *Service) ListAwaitingSplit(ctx context.Context, limit int) ([]*payment.Payment, error) {
	return s.repo.ListAwaitingSplit(ctx, limit)
}

// fail moves a pending payment without a token to failed.
func (s *Service) fail(ctx context.Context, paymentID, reason string) (bool, error) {
	p, applied, err := s.mutate(ctx, func() (*payment.Payment, error) {
		return s.repo.GetByID(ctx, paymentID)
	}, func(p *payment.Payment) (bool, error) {
		if p.Status != payment.StatusPending || p.HasCorrelationToken() {
			return false, nil
		}
		p.Status = payment.StatusFailed
		r := reason
		p.FailureReason = &r
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.publishOutcome(ctx, p)
	}
	return applied, nil
}

// mutate re-reads and re-applies change until the versioned write lands.
func (s *Service) mutate(ctx context.Context, load func() (*payment.Payment, error), change func(*payment.Payment) (bool, error)) (*payment.Payment, bool, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		p, err := load()
		if err != nil {
			return nil, false, err
		}
		changed, err := change(p)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return p, false, nil
		}
		err = s.repo.Update(ctx, p)
		if err == nil {
			return p, true, nil
		}
		if !internal.HasCode(err, internal.ErrCodeStaleWrite) {
			return nil, false, err
		}
		s.logger.Debug("stale payment write, retrying", "payment_id", p.ID, "attempt", attempt+1)
	}
	return nil, false, internal.NewInternalError("payment kept changing underneath the update", internal.ErrStaleWrite)
}

func (s *Service) publishOutcome(ctx context.Context, p *payment.Payment) {
	if s.publisher == nil {
		return
	}
	var event events.Event
	switch p.Status {
	case payment.StatusSuccess:
		receipt := ""
		if p.GatewayReceipt != nil {
			receipt = *p.GatewayReceipt
		}
		event = events.NewPaymentCompletedEvent(p.ID, p.OrderID, p.BuyerID, p.Amount, p.Currency, receipt)
	case payment.StatusFailed:
		reason := ""
		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		event = events.NewPaymentFailedEvent(p.ID, p.OrderID, p.BuyerID, p.Amount, p.Currency, reason)
	default:
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish payment event", "error", err, "payment_id", p.ID, "event_type", event.EventType())
		return
	}
	s.logger.Info("published payment event", "event_type", event.EventType(), "event_id", event.EventID(), "payment_id", p.ID)
}

func accountReference(orderID string) string {
	ref := strings.ReplaceAll(orderID, "-", "")
	if len(ref) > accountRefLength {
		ref = ref[:accountRefLength]
	}
	return ref
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
