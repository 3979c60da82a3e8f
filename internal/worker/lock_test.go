package worker_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/soko-payments/internal/worker"
)

var _ = Describe("RedisLock", func() {
	const key = "soko:disbursement-sweep"

	var (
		ctx   context.Context
		store *memoryStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newMemoryStore()
	})

	It("should be held by one owner at a time", func() {
		first, err := worker.NewRedisLock(store, key, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		second, _ := worker.NewRedisLock(store, key, time.Minute)

		Expect(first.Acquire(ctx)).To(BeTrue())
		Expect(second.Acquire(ctx)).To(BeFalse())

		Expect(first.Release(ctx)).To(Succeed())
		Expect(store.has(key)).To(BeFalse())
		Expect(second.Acquire(ctx)).To(BeTrue())
		Expect(store.ttls[key]).To(Equal(time.Minute))
	})

	It("should not delete a lock that now belongs to someone else", func() {
		lock, _ := worker.NewRedisLock(store, key, time.Minute)
		Expect(lock.Acquire(ctx)).To(BeTrue())

		// the key expired and another worker took it
		store.set(key, "other-owner")

		Expect(lock.Release(ctx)).To(Succeed())
		Expect(store.has(key)).To(BeTrue())
	})

	It("should treat an expired key as released", func() {
		lock, _ := worker.NewRedisLock(store, key, time.Minute)
		Expect(lock.Acquire(ctx)).To(BeTrue())
		store.expire(key)

		Expect(lock.Release(ctx)).To(Succeed())
	})

	It("should surface errors on release", func() {
		lock, _ := worker.NewRedisLock(store, key, time.Minute)
		Expect(lock.Acquire(ctx)).To(BeTrue())
		store.delErr = errBoom

		Expect(lock.Release(ctx)).To(MatchError(ContainSubstring("boom")))
	})

	It("should validate its arguments", func() {
		_, err := worker.NewRedisLock(nil, key, time.Minute)
		Expect(err).To(HaveOccurred())
		_, err = worker.NewRedisLock(store, "", time.Minute)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("LocalLock", func() {
	It("should refuse a second holder until released", func() {
		ctx := context.Background()
		lock := worker.NewLocalLock()

		Expect(lock.Acquire(ctx)).To(BeTrue())
		Expect(lock.Acquire(ctx)).To(BeFalse())
		Expect(lock.Release(ctx)).To(Succeed())
		Expect(lock.Acquire(ctx)).To(BeTrue())
	})
})
