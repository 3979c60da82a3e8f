package notification_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/soko-payments/internal/notification"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

// channelPublisher pushes every payload into a Go channel, standing in for
// redis pub/sub.
type channelPublisher struct {
	out     chan []byte
	channel string
	err     error
}

func (p *channelPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.channel = channel
	p.out <- payload
	return nil
}

var _ = Describe("RelaySink", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		publisher *channelPublisher
		sink      *notification.QueuedSink
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		publisher = &channelPublisher{out: make(chan []byte, 4)}
		sink = notification.NewQueuedSink()
	})

	AfterEach(func() {
		cancel()
	})

	It("should deliver relayed notifications to the local sink", func() {
		// Given
		relay := notification.NewRelaySink(publisher, "")
		done := make(chan struct{})
		go func() {
			notification.Forward(ctx, publisher.out, sink, logger.Discard())
			close(done)
		}()

		// When
		err := relay.Send(ctx, "artisan-1", notification.TypeDisbursementRetry, map[string]any{"next_retry": "2026-10-14T10:05:00Z"})

		// Then
		Expect(err).ToNot(HaveOccurred())
		Expect(publisher.channel).To(Equal(notification.DefaultRelayChannel))
		Eventually(func() []notification.Sent { return sink.For("artisan-1") }).Should(HaveLen(1))
		got := sink.For("artisan-1")[0]
		Expect(got.Type).To(Equal(notification.TypeDisbursementRetry))
		Expect(got.Data).To(HaveKeyWithValue("next_retry", "2026-10-14T10:05:00Z"))

		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("should skip malformed payloads and stop when the channel closes", func() {
		messages := make(chan []byte, 2)
		messages <- []byte("not json")
		messages <- []byte(`{"user_id":"","type":"payment_success"}`)
		close(messages)

		notification.Forward(ctx, messages, sink, logger.Discard())

		Expect(sink.Sent()).To(BeEmpty())
	})

	It("should return publish errors", func() {
		publisher.err = errors.New("redis down")
		relay := notification.NewRelaySink(publisher, "custom")

		Expect(relay.Send(ctx, "u", notification.TypePaymentSuccess, nil)).To(MatchError(ContainSubstring("redis down")))
	})
})
