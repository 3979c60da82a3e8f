package worker_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/soko-payments/internal/worker"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

type fakeScheduler struct {
	retryLimit int
	splitLimit int
	retried    int
	err        error
}

func (f *fakeScheduler) RetryDue(_ context.Context, limit int) (int, error) {
	f.retryLimit = limit
	return f.retried, f.err
}

func (f *fakeScheduler) SplitPending(_ context.Context, limit int) (int, error) {
	f.splitLimit = limit
	return 0, f.err
}

type fakeExpirer struct {
	olderThan time.Duration
	limit     int
}

func (f *fakeExpirer) ExpireUninitiated(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.olderThan = olderThan
	f.limit = limit
	return 2, nil
}

var _ = Describe("Jobs", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should retry due disbursements in batches", func() {
		scheduler := &fakeScheduler{retried: 3}
		job, err := worker.NewRetryJob(scheduler, 50, logger.Discard())
		Expect(err).ToNot(HaveOccurred())

		Expect(job.Name()).To(Equal(worker.JobDisbursementRetry))
		Expect(job.Run(ctx)).To(Succeed())
		Expect(scheduler.retryLimit).To(Equal(50))
	})

	It("should pass scheduler errors through", func() {
		scheduler := &fakeScheduler{err: errBoom}
		job, _ := worker.NewSplitRecoveryJob(scheduler, 10, logger.Discard())

		Expect(job.Name()).To(Equal(worker.JobSplitRecovery))
		Expect(job.Run(ctx)).To(MatchError(errBoom))
		Expect(scheduler.splitLimit).To(Equal(10))
	})

	It("should expire payments older than the configured window", func() {
		expirer := &fakeExpirer{}
		job, err := worker.NewExpiryJob(expirer, 10*time.Minute, 25, logger.Discard())
		Expect(err).ToNot(HaveOccurred())

		Expect(job.Run(ctx)).To(Succeed())
		Expect(expirer.olderThan).To(Equal(10 * time.Minute))
		Expect(expirer.limit).To(Equal(25))
	})

	It("should reject a missing dependency or window", func() {
		_, err := worker.NewRetryJob(nil, 1, logger.Discard())
		Expect(err).To(HaveOccurred())
		_, err = worker.NewExpiryJob(&fakeExpirer{}, 0, 1, logger.Discard())
		Expect(err).To(HaveOccurred())
	})
})
