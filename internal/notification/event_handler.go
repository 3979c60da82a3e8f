package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/soko-payments/internal/core/events"
)

const manualFailureMessage = "Payment disbursement failed. Please contact support."

// EventHandler turns domain events into notifications for buyers, artisans
// and the operator channel.
type EventHandler struct {
	sink            Sink
	operatorChannel string
	logger          *slog.Logger
}

func NewEventHandler(sink Sink, operatorChannel string, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		sink:            sink,
		operatorChannel: operatorChannel,
		logger:          logger,
	}
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentCompletedEvent, got %T", event)
	}
	h.send(ctx, e.BuyerID, TypePaymentSuccess, map[string]any{
		"order_id":       e.OrderID,
		"payment_id":     e.PaymentID,
		"amount":         e.Amount.StringFixed(2),
		"currency":       e.Currency,
		"transaction_id": e.ReceiptID,
	})
	return nil
}

func (h *EventHandler) HandlePaymentFailed(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.PaymentFailedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentFailedEvent, got %T", event)
	}
	h.send(ctx, e.BuyerID, TypePaymentFailed, map[string]any{
		"order_id":   e.OrderID,
		"payment_id": e.PaymentID,
		"amount":     e.Amount.StringFixed(2),
		"currency":   e.Currency,
		"reason":     e.FailureReason,
	})
	return nil
}

func (h *EventHandler) HandleDisbursementSucceeded(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.DisbursementSucceededEvent)
	if !ok {
		return fmt.Errorf("expected DisbursementSucceededEvent, got %T", event)
	}
	h.send(ctx, e.ArtisanID, TypeDisbursementSuccess, map[string]any{
		"disbursement_id": e.DisbursementID,
		"amount":          e.Amount.StringFixed(2),
		"currency":        e.Currency,
		"transaction_id":  e.TransactionID,
	})
	return nil
}

func (h *EventHandler) HandleDisbursementRetryScheduled(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.DisbursementRetryScheduledEvent)
	if !ok {
		return fmt.Errorf("expected DisbursementRetryScheduledEvent, got %T", event)
	}
	h.send(ctx, e.ArtisanID, TypeDisbursementRetry, map[string]any{
		"disbursement_id": e.DisbursementID,
		"amount":          e.Amount.StringFixed(2),
		"currency":        e.Currency,
		"retry_count":     e.RetryCount,
		"next_retry":      e.NextRetryAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// HandleDisbursementManual tells the artisan the payout failed and hands the
// record to the operators.
func (h *EventHandler) HandleDisbursementManual(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.DisbursementManualEvent)
	if !ok {
		return fmt.Errorf("expected DisbursementManualEvent, got %T", event)
	}
	h.send(ctx, e.ArtisanID, TypeDisbursementFailed, map[string]any{
		"disbursement_id": e.DisbursementID,
		"amount":          e.Amount.StringFixed(2),
		"currency":        e.Currency,
		"reason":          e.Reason,
		"message":         manualFailureMessage,
	})
	h.send(ctx, h.operatorChannel, TypeDisbursementManual, map[string]any{
		"disbursement_id": e.DisbursementID,
		"payment_id":      e.PaymentID,
		"artisan_id":      e.ArtisanID,
		"amount":          e.Amount.StringFixed(2),
		"currency":        e.Currency,
		"retry_count":     e.RetryCount,
		"reason":          e.Reason,
	})
	return nil
}

func (h *EventHandler) HandleSplitFailed(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.DisbursementSplitFailedEvent)
	if !ok {
		return fmt.Errorf("expected DisbursementSplitFailedEvent, got %T", event)
	}
	h.send(ctx, h.operatorChannel, TypeDisbursementManual, map[string]any{
		"payment_id": e.PaymentID,
		"order_id":   e.OrderID,
		"reason":     e.Reason,
	})
	return nil
}

// send never fails the event: a lost notification is only logged.
func (h *EventHandler) send(ctx context.Context, userID, eventType string, data map[string]any) {
	if userID == "" {
		h.logger.Warn("notification has no recipient", "type", eventType)
		return
	}
	if err := h.sink.Send(ctx, userID, eventType, data); err != nil {
		h.logger.Error("failed to send notification", "error", err, "user_id", userID, "type", eventType)
		return
	}
	h.logger.Debug("notification sent", "user_id", userID, "type", eventType)
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)
	eventBus.Subscribe(events.EventTypePaymentFailed, h.HandlePaymentFailed)
	eventBus.Subscribe(events.EventTypeDisbursementSucceeded, h.HandleDisbursementSucceeded)
	eventBus.Subscribe(events.EventTypeDisbursementRetryScheduled, h.HandleDisbursementRetryScheduled)
	eventBus.Subscribe(events.EventTypeDisbursementManual, h.HandleDisbursementManual)
	eventBus.Subscribe(events.EventTypeDisbursementSplitFailed, h.HandleSplitFailed)

	h.logger.Info("notification event handlers registered")
}
