package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/soko-payments/internal/core/events"
	"github.com/frahmantamala/soko-payments/internal/notification"
	"github.com/frahmantamala/soko-payments/pkg/logger"
	"github.com/frahmantamala/soko-payments/pkg/redis"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish sample domain events to check notification delivery end to end`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish a test event",
	Long: `Publish a sample event through the notification handlers. With redis configured the
notification is relayed to the running server and reaches connected websocket clients.

Event types: payment.completed, payment.failed, disbursement.succeeded,
disbursement.retry_scheduled, disbursement.manual, disbursement.split_failed`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := publishTestEvent(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var (
	eventUserID string
	eventAmount string
)

func publishTestEvent(eventType string) error {
	cfg := mustLoadConfig()
	log := logger.LoggerWrapper()
	ctx := context.Background()

	amount, err := decimal.NewFromString(eventAmount)
	if err != nil {
		return fmt.Errorf("invalid --amount: %w", err)
	}

	event, err := sampleEvent(eventType, eventUserID, amount, cfg.Payment.Currency)
	if err != nil {
		return err
	}

	var sink notification.Sink
	queued := notification.NewQueuedSink()
	sink = queued
	if cfg.Redis.Enabled() {
		client, err := redis.New(ctx, cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		sink = notification.NewRelaySink(client, cfg.Notification.RelayChannel)
	}

	bus := events.NewEventBus(log)
	notification.NewEventHandler(sink, cfg.Notification.OperatorChannel, log).RegisterEventHandlers(bus)

	log.Info("publishing test event", "event_type", event.EventType(), "event_id", event.EventID())
	if err := bus.PublishSync(ctx, event); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	for _, sent := range queued.Sent() {
		log.Info("notification produced", "user_id", sent.UserID, "type", sent.Type, "data", sent.Data)
	}
	log.Info("test event published")
	return nil
}

func sampleEvent(eventType, userID string, amount decimal.Decimal, currency string) (events.Event, error) {
	paymentID := uuid.NewString()
	orderID := "order-" + paymentID[:8]
	ref := events.DisbursementRef{
		DisbursementID: uuid.NewString(),
		PaymentID:      paymentID,
		ArtisanID:      userID,
		Amount:         amount,
		Currency:       currency,
	}

	switch eventType {
	case events.EventTypePaymentCompleted:
		return events.NewPaymentCompletedEvent(paymentID, orderID, userID, amount, currency, "TEST"+paymentID[:6]), nil
	case events.EventTypePaymentFailed:
		return events.NewPaymentFailedEvent(paymentID, orderID, userID, amount, currency, "Request cancelled by user"), nil
	case events.EventTypeDisbursementSucceeded:
		return events.NewDisbursementSucceededEvent(ref, "TEST"+ref.DisbursementID[:6]), nil
	case events.EventTypeDisbursementRetryScheduled:
		return events.NewDisbursementRetryScheduledEvent(ref, 1, time.Now().UTC().Add(5*time.Minute), "The initiator information is invalid."), nil
	case events.EventTypeDisbursementManual:
		return events.NewDisbursementManualEvent(ref, 5, "The initiator information is invalid."), nil
	case events.EventTypeDisbursementSplitFailed:
		return events.NewDisbursementSplitFailedEvent(paymentID, orderID, "artisan shares do not add up to the payment"), nil
	}
	return nil, fmt.Errorf("unknown event type %q", eventType)
}

func init() {
	publishEventCmd.Flags().StringVar(&eventUserID, "user", "buyer-demo", "user id the event is about (buyer or artisan)")
	publishEventCmd.Flags().StringVar(&eventAmount, "amount", "1500", "amount carried by the event")

	eventCmd.AddCommand(publishEventCmd)
}
