package disbursement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/soko-payments/internal/core/events"
)

type EventHandler struct {
	scheduler *Scheduler
	logger    *slog.Logger
}

func NewEventHandler(scheduler *Scheduler, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	completed, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment completed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentCompletedEvent, got %T", event)
	}

	h.logger.Info("handling payment completed event for disbursement",
		"payment_id", completed.PaymentID,
		"order_id", completed.OrderID,
		"amount", completed.Amount.String(),
		"event_id", completed.EventID())

	records, err := h.scheduler.Split(ctx, completed.PaymentID)
	if err != nil {
		h.logger.Error("failed to split payment",
			"error", err,
			"payment_id", completed.PaymentID,
			"event_id", completed.EventID())
		return fmt.Errorf("split payment %s: %w", completed.PaymentID, err)
	}

	h.logger.Info("payment split into disbursements",
		"payment_id", completed.PaymentID,
		"count", len(records),
		"event_id", completed.EventID())
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)

	h.logger.Info("disbursement event handlers registered",
		"handlers", []string{events.EventTypePaymentCompleted})
}
