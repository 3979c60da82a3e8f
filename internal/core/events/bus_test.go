package events_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal/core/events"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

var _ = Describe("EventBus", func() {
	var (
		bus   *events.EventBus
		ctx   context.Context
		mu    sync.Mutex
		calls []string
	)

	record := func(name string, err error) events.Handler {
		return func(context.Context, events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return err
		}
	}

	recorded := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), calls...)
	}

	completed := func() events.Event {
		return events.NewPaymentCompletedEvent("pay-1", "order-1", "buyer-1", decimal.NewFromInt(1500), "KES", "QKX1")
	}

	BeforeEach(func() {
		bus = events.NewEventBus(logger.Discard())
		ctx = context.Background()
		calls = nil
	})

	Describe("Publish", func() {
		It("should run every subscribed handler", func() {
			bus.Subscribe(events.EventTypePaymentCompleted, record("a", nil))
			bus.Subscribe(events.EventTypePaymentCompleted, record("b", errors.New("boom")))
			bus.Subscribe(events.EventTypePaymentFailed, record("other", nil))

			Expect(bus.Publish(ctx, completed())).To(Succeed())
			bus.Wait()

			Expect(recorded()).To(ConsistOf("a", "b"))
		})

		It("should hand handlers a context that outlives the caller", func() {
			seen := make(chan error, 1)
			bus.Subscribe(events.EventTypePaymentCompleted, func(ctx context.Context, _ events.Event) error {
				time.Sleep(10 * time.Millisecond)
				seen <- ctx.Err()
				return nil
			})

			callerCtx, cancel := context.WithCancel(ctx)
			Expect(bus.Publish(callerCtx, completed())).To(Succeed())
			cancel()
			bus.Wait()

			Expect(<-seen).ToNot(HaveOccurred())
		})

		It("should ignore events nobody listens to", func() {
			Expect(bus.Publish(ctx, completed())).To(Succeed())
			bus.Wait()
			Expect(recorded()).To(BeEmpty())
		})
	})

	Describe("PublishSync", func() {
		It("should stop at the first failing handler", func() {
			bus.Subscribe(events.EventTypePaymentCompleted, record("a", errors.New("boom")))
			bus.Subscribe(events.EventTypePaymentCompleted, record("b", nil))

			err := bus.PublishSync(ctx, completed())

			Expect(err).To(MatchError(ContainSubstring("payment.completed")))
			Expect(recorded()).To(Equal([]string{"a"}))
		})
	})

	Describe("SyncPublisher", func() {
		It("should run every handler in order despite failures", func() {
			bus.Subscribe(events.EventTypePaymentCompleted, record("a", errors.New("boom")))
			bus.Subscribe(events.EventTypePaymentCompleted, record("b", nil))

			Expect(events.SyncPublisher{Bus: bus}.Publish(ctx, completed())).To(Succeed())

			Expect(recorded()).To(Equal([]string{"a", "b"}))
		})
	})
})

var _ = Describe("Disbursement events", func() {
	ref := events.DisbursementRef{
		DisbursementID: "d-1",
		PaymentID:      "pay-1",
		ArtisanID:      "artisan-1",
		Amount:         decimal.NewFromInt(900),
		Currency:       "KES",
	}

	It("should carry the retry schedule in the payload", func() {
		next := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
		event := events.NewDisbursementRetryScheduledEvent(ref, 1, next, "timeout")

		Expect(event.EventType()).To(Equal(events.EventTypeDisbursementRetryScheduled))
		Expect(event.EventID()).ToNot(BeEmpty())
		Expect(event.Payload()).To(HaveKeyWithValue("next_retry_at", "2026-03-02T09:05:00Z"))
		Expect(event.Payload()).To(HaveKeyWithValue("artisan_id", "artisan-1"))
	})
})
