package disbursement_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/commerce"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/events"
	disbursementPkg "github.com/frahmantamala/soko-payments/internal/disbursement"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

var _ = Describe("Disbursement Service", func() {
	var (
		ctx       context.Context
		clock     *fakeClock
		repo      *mockDisbursementRepository
		publisher *recordingPublisher
		service   *disbursementPkg.Service
	)

	shares := func() []disbursementPkg.ArtisanShare {
		return []disbursementPkg.ArtisanShare{
			{
				ArtisanID: "artisan-a",
				Amount:    decimal.NewFromInt(900),
				Currency:  "kes",
				Profile:   commerce.PayoutProfile{ArtisanID: "artisan-a", Method: disbursement.MethodPhone, Phone: phoneA},
			},
			{
				ArtisanID: "artisan-b",
				Amount:    decimal.NewFromInt(600),
				Currency:  "kes",
				Profile: commerce.PayoutProfile{
					ArtisanID:      "artisan-b",
					Method:         disbursement.MethodPaybill,
					PaybillNumber:  "600100",
					PaybillAccount: "CARV-01",
				},
			},
		}
	}

	// createOne splits payment-1 and returns the record for artisan-a.
	createOne := func() *disbursement.ArtisanDisbursement {
		records, created, err := service.CreateDisbursements(ctx, "payment-1", shares())
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeTrue())
		for _, d := range records {
			if d.ArtisanID == "artisan-a" {
				return d
			}
		}
		Fail("artisan-a was not split")
		return nil
	}

	attemptCount := 0
	begin := func(id string) string {
		attemptCount++
		originator := fmt.Sprintf("orig-%d", attemptCount)
		_, err := service.BeginAttempt(ctx, id, originator, clock.Now())
		Expect(err).ToNot(HaveOccurred())
		return originator
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newFakeClock()
		repo = newMockDisbursementRepository(clock.Now)
		publisher = &recordingPublisher{}
		service = disbursementPkg.NewService(repo, publisher, logger.Discard(), disbursementPkg.WithClock(clock.Now))
		attemptCount = 0
	})

	Describe("CreateDisbursements", func() {
		It("should write one pending record per artisan", func() {
			// When
			records, created, err := service.CreateDisbursements(ctx, "payment-1", shares())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(created).To(BeTrue())
			Expect(records).To(HaveLen(2))
			for _, d := range repo.all() {
				Expect(d.Status).To(Equal(disbursement.StatusPending))
				Expect(d.RetryCount).To(BeZero())
				Expect(d.Currency).To(Equal("KES"))
				Expect(d.Version).To(Equal(1))
			}
			paybill := repo.stored(records[1].ID)
			Expect(paybill.Destination()).To(Equal("600100"))
			Expect(paybill.AccountReference()).To(Equal("CARV-01"))
		})

		It("should return the existing records for a payment already split", func() {
			// Given
			first, _, err := service.CreateDisbursements(ctx, "payment-1", shares())
			Expect(err).ToNot(HaveOccurred())

			// When
			again, created, err := service.CreateDisbursements(ctx, "payment-1", shares())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(again).To(HaveLen(2))
			Expect([]string{again[0].ID, again[1].ID}).To(ConsistOf(first[0].ID, first[1].ID))
			Expect(repo.all()).To(HaveLen(2))
		})

		It("should return the winner's records when another writer splits first", func() {
			// Given
			var winner []*disbursement.ArtisanDisbursement
			repo.beforeCreate = func() {
				repo.beforeCreate = nil
				var err error
				winner, _, err = disbursementPkg.NewService(repo, nil, logger.Discard()).
					CreateDisbursements(ctx, "payment-1", shares())
				Expect(err).ToNot(HaveOccurred())
			}

			// When
			records, created, err := service.CreateDisbursements(ctx, "payment-1", shares())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(records).To(HaveLen(2))
			Expect([]string{records[0].ID, records[1].ID}).To(ConsistOf(winner[0].ID, winner[1].ID))
			Expect(repo.all()).To(HaveLen(2))
		})

		It("should refuse an empty split", func() {
			_, _, err := service.CreateDisbursements(ctx, "payment-1", nil)

			Expect(internal.HasCode(err, internal.ErrCodeSplitMismatch)).To(BeTrue())
		})
	})

	Describe("BeginAttempt", func() {
		It("should claim a pending record with the originator id", func() {
			// Given
			d := createOne()

			// When
			claimed, err := service.BeginAttempt(ctx, d.ID, "orig-x", clock.Now())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed.Status).To(Equal(disbursement.StatusProcessing))
			stored := repo.stored(d.ID)
			Expect(*stored.OriginatorConversationID).To(Equal("orig-x"))
			Expect(stored.CorrelationToken).To(BeNil())
		})

		It("should refuse a record that is already in flight", func() {
			d := createOne()
			begin(d.ID)

			_, err := service.BeginAttempt(ctx, d.ID, "orig-again", clock.Now())

			Expect(internal.HasCode(err, internal.ErrCodeDisbursementNotEligible)).To(BeTrue())
		})

		It("should refuse a retry before it is due and accept it after", func() {
			// Given
			d := createOne()
			begin(d.ID)
			_, err := service.FailInitiation(ctx, d.ID, "Insufficient balance")
			Expect(err).ToNot(HaveOccurred())

			// When
			clock.Advance(4 * time.Minute)
			_, early := service.BeginAttempt(ctx, d.ID, "orig-early", clock.Now())
			clock.Advance(2 * time.Minute)
			_, onTime := service.BeginAttempt(ctx, d.ID, "orig-on-time", clock.Now())

			// Then
			Expect(internal.HasCode(early, internal.ErrCodeDisbursementNotEligible)).To(BeTrue())
			Expect(onTime).ToNot(HaveOccurred())
			Expect(*repo.stored(d.ID).OriginatorConversationID).To(Equal("orig-on-time"))
		})

		It("should re-read after a stale write", func() {
			d := createOne()
			repo.staleWrites = 2

			claimed, err := service.BeginAttempt(ctx, d.ID, "orig-x", clock.Now())

			Expect(err).ToNot(HaveOccurred())
			Expect(claimed.Status).To(Equal(disbursement.StatusProcessing))
		})
	})

	Describe("RecordDisbursementInitiated", func() {
		It("should store the conversation id once", func() {
			d := createOne()
			begin(d.ID)

			_, err := service.RecordDisbursementInitiated(ctx, d.ID, "AG_1")
			Expect(err).ToNot(HaveOccurred())
			_, err = service.RecordDisbursementInitiated(ctx, d.ID, "AG_1")
			Expect(err).ToNot(HaveOccurred())

			Expect(*repo.stored(d.ID).CorrelationToken).To(Equal("AG_1"))
		})

		It("should refuse a second, different token", func() {
			d := createOne()
			begin(d.ID)
			_, err := service.RecordDisbursementInitiated(ctx, d.ID, "AG_1")
			Expect(err).ToNot(HaveOccurred())

			_, err = service.RecordDisbursementInitiated(ctx, d.ID, "AG_2")

			Expect(internal.HasCode(err, internal.ErrCodeCorrelationCollision)).To(BeTrue())
		})
	})

	Describe("ApplyDisbursementResult", func() {
		It("should settle a processing record found by its token", func() {
			// Given
			d := createOne()
			begin(d.ID)
			_, err := service.RecordDisbursementInitiated(ctx, d.ID, "AG_1")
			Expect(err).ToNot(HaveOccurred())

			// When
			settled, applied, err := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
				CorrelationToken: "AG_1",
				Succeeded:        true,
				TransactionID:    "RKT1",
				Raw:              json.RawMessage(`{"Result":{}}`),
			})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeTrue())
			Expect(settled.Status).To(Equal(disbursement.StatusSuccess))
			stored := repo.stored(d.ID)
			Expect(*stored.GatewayTransactionID).To(Equal("RKT1"))
			Expect(stored.CompletedAt).ToNot(BeNil())
			Expect(publisher.types()).To(Equal([]string{events.EventTypeDisbursementSucceeded}))
		})

		It("should match on the originator id when the token was never recorded", func() {
			d := createOne()
			originator := begin(d.ID)

			_, applied, err := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
				CorrelationToken:         "AG_late",
				OriginatorConversationID: originator,
				Succeeded:                true,
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeTrue())
			stored := repo.stored(d.ID)
			Expect(stored.Status).To(Equal(disbursement.StatusSuccess))
			Expect(*stored.CorrelationToken).To(Equal("AG_late"))
		})

		It("should ignore a replayed result on a settled record", func() {
			// Given
			d := createOne()
			originator := begin(d.ID)
			result := disbursementPkg.DisbursementResult{OriginatorConversationID: originator, Succeeded: true}
			_, _, err := service.ApplyDisbursementResult(ctx, result)
			Expect(err).ToNot(HaveOccurred())

			// When
			_, applied, err := service.ApplyDisbursementResult(ctx, result)
			_, failedApplied, failErr := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
				OriginatorConversationID: originator,
				Reason:                   "late failure",
			})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeFalse())
			Expect(failErr).ToNot(HaveOccurred())
			Expect(failedApplied).To(BeFalse())
			Expect(repo.stored(d.ID).Status).To(Equal(disbursement.StatusSuccess))
			Expect(publisher.types()).To(HaveLen(1))
		})

		It("should ignore a stale failure for a record waiting to retry", func() {
			d := createOne()
			originator := begin(d.ID)
			_, err := service.FailInitiation(ctx, d.ID, "Insufficient balance")
			Expect(err).ToNot(HaveOccurred())

			_, applied, err := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
				OriginatorConversationID: originator,
				Reason:                   "duplicate failure",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeFalse())
			Expect(repo.stored(d.ID).RetryCount).To(Equal(1))
		})

		It("should accept a success for the attempt that was counted as refused", func() {
			// Given
			d := createOne()
			originator := begin(d.ID)
			_, err := service.FailInitiation(ctx, d.ID, "gateway returned status 503")
			Expect(err).ToNot(HaveOccurred())
			Expect(repo.stored(d.ID).Status).To(Equal(disbursement.StatusRetry))

			// When
			settled, applied, err := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
				CorrelationToken:         "AG_9",
				OriginatorConversationID: originator,
				Succeeded:                true,
				TransactionID:            "RKT9",
			})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeTrue())
			Expect(settled.Status).To(Equal(disbursement.StatusSuccess))
			stored := repo.stored(d.ID)
			Expect(stored.NextRetryAt).To(BeNil())
			Expect(stored.FailureReason).To(BeNil())
			Expect(stored.DueAt(clock.Now().Add(48 * time.Hour))).To(BeFalse())
		})

		It("should refuse a result without any conversation id", func() {
			_, _, err := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{Succeeded: true})

			Expect(internal.HasCode(err, internal.ErrCodeMalformedCallback)).To(BeTrue())
		})

		It("should report an unknown conversation id", func() {
			_, _, err := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
				CorrelationToken: "AG_nobody",
				Succeeded:        true,
			})

			Expect(internal.HasCode(err, internal.ErrCodeCorrelationNotFound)).To(BeTrue())
		})
	})

	Describe("retry progression", func() {
		It("should count every failed attempt and hand the fifth to an operator", func() {
			// Given
			d := createOne()
			var counts []int
			var states []disbursement.Status

			// When
			for i := 0; i < 5; i++ {
				originator := begin(d.ID)
				var err error
				if i%2 == 0 {
					_, _, err = service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
						OriginatorConversationID: originator,
						Reason:                   "The initiator is not allowed",
					})
				} else {
					_, _, err = service.ApplyTimeout(ctx, "", originator, nil)
				}
				stored := repo.stored(d.ID)
				counts = append(counts, stored.RetryCount)
				states = append(states, stored.Status)
				if i < 4 {
					Expect(err).ToNot(HaveOccurred())
				} else {
					Expect(internal.HasCode(err, internal.ErrCodeRetriesExhausted)).To(BeTrue())
				}
				clock.Advance(25 * time.Hour)
			}

			// Then
			Expect(counts).To(Equal([]int{1, 2, 3, 4, 5}))
			Expect(states).To(Equal([]disbursement.Status{
				disbursement.StatusRetry,
				disbursement.StatusRetry,
				disbursement.StatusRetry,
				disbursement.StatusRetry,
				disbursement.StatusManual,
			}))
			Expect(*repo.stored(d.ID).FailureReason).To(Equal("The initiator is not allowed"))
			Expect(publisher.types()).To(Equal([]string{
				events.EventTypeDisbursementRetryScheduled,
				events.EventTypeDisbursementRetryScheduled,
				events.EventTypeDisbursementRetryScheduled,
				events.EventTypeDisbursementRetryScheduled,
				events.EventTypeDisbursementManual,
			}))

			_, err := service.BeginAttempt(ctx, d.ID, "orig-sixth", clock.Now())
			Expect(internal.HasCode(err, internal.ErrCodeDisbursementNotEligible)).To(BeTrue())
		})

		It("should wait longer after each failure", func() {
			d := createOne()
			var waits []time.Duration

			for i := 0; i < 4; i++ {
				begin(d.ID)
				_, err := service.FailInitiation(ctx, d.ID, "busy")
				Expect(err).ToNot(HaveOccurred())
				stored := repo.stored(d.ID)
				waits = append(waits, stored.NextRetryAt.Sub(clock.Now()))
				clock.Advance(25 * time.Hour)
			}

			Expect(waits).To(Equal([]time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 6 * time.Hour}))
		})

		It("should share one counter between refusals and failed results", func() {
			// Given
			d := createOne()

			// When
			begin(d.ID)
			_, err := service.FailInitiation(ctx, d.ID, "Insufficient balance")
			Expect(err).ToNot(HaveOccurred())
			clock.Advance(time.Hour)

			originator := begin(d.ID)
			_, _, err = service.ApplyTimeout(ctx, "", originator, nil)
			Expect(err).ToNot(HaveOccurred())

			// Then
			stored := repo.stored(d.ID)
			Expect(stored.RetryCount).To(Equal(2))
			Expect(stored.Status).To(Equal(disbursement.StatusRetry))
			Expect(*stored.FailureReason).To(Equal(disbursementPkg.ReasonTimeout))
			last, ok := publisher.last().(*events.DisbursementRetryScheduledEvent)
			Expect(ok).To(BeTrue())
			Expect(last.RetryCount).To(Equal(2))
		})

		It("should leave a manual record alone", func() {
			// Given
			d := createOne()
			var originator string
			for i := 0; i < 5; i++ {
				originator = begin(d.ID)
				_, _ = service.FailInitiation(ctx, d.ID, "busy")
				clock.Advance(25 * time.Hour)
			}
			Expect(repo.stored(d.ID).Status).To(Equal(disbursement.StatusManual))
			before := repo.stored(d.ID)

			// When
			_, applied, err := service.ApplyDisbursementResult(ctx, disbursementPkg.DisbursementResult{
				OriginatorConversationID: originator,
				Succeeded:                true,
			})
			_, failErr := service.FailInitiation(ctx, d.ID, "again")

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeFalse())
			Expect(failErr).ToNot(HaveOccurred())
			after := repo.stored(d.ID)
			Expect(after.Status).To(Equal(disbursement.StatusManual))
			Expect(after.RetryCount).To(Equal(5))
			Expect(after.Version).To(Equal(before.Version))
		})
	})

	Describe("FailInitiation", func() {
		It("should do nothing for a record that is not in flight", func() {
			d := createOne()

			failed, err := service.FailInitiation(ctx, d.ID, "busy")

			Expect(err).ToNot(HaveOccurred())
			Expect(failed.Status).To(Equal(disbursement.StatusPending))
			Expect(publisher.types()).To(BeEmpty())
		})
	})

	Describe("ListDue", func() {
		It("should list retries that are due and pending records left unclaimed", func() {
			// Given
			d := createOne()
			begin(d.ID)
			_, err := service.FailInitiation(ctx, d.ID, "busy")
			Expect(err).ToNot(HaveOccurred())

			// When
			clock.Advance(10 * time.Minute)
			now := clock.Now()
			due, err := service.ListDue(ctx, now, now.Add(-time.Minute), 10)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(due).To(HaveLen(2))
		})
	})
})
