package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/soko-payments/internal/payment"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

type mockPaymentService struct {
	initiateError error
	getError      error
	payment       *payment.Payment
	lastInput     paymentpkg.InitiateCollectionInput
}

func (m *mockPaymentService) CreatePayment(context.Context, paymentpkg.CreatePaymentInput) (*payment.Payment, error) {
	return m.payment, nil
}

func (m *mockPaymentService) RecordCollectionInitiated(context.Context, string, string, string) (*payment.Payment, error) {
	return m.payment, nil
}

func (m *mockPaymentService) ApplyCollectionResult(context.Context, paymentpkg.CollectionResult) (*payment.Payment, bool, error) {
	return m.payment, false, nil
}

func (m *mockPaymentService) InitiateCollection(_ context.Context, in paymentpkg.InitiateCollectionInput) (*payment.Payment, error) {
	m.lastInput = in
	if m.initiateError != nil {
		return nil, m.initiateError
	}
	return m.payment, nil
}

func (m *mockPaymentService) ExpireUninitiated(context.Context, time.Duration, int) (int, error) {
	return 0, nil
}

func (m *mockPaymentService) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	if m.getError != nil {
		return nil, m.getError
	}
	return m.payment, nil
}

func (m *mockPaymentService) ListAwaitingSplit(context.Context, int) ([]*payment.Payment, error) {
	return nil, nil
}

type mockDisbursementLister struct {
	items []*disbursement.ArtisanDisbursement
	err   error
}

func (m *mockDisbursementLister) ListByPayment(context.Context, string) ([]*disbursement.ArtisanDisbursement, error) {
	return m.items, m.err
}

var _ = ginkgo.Describe("PaymentHandler", func() {
	var (
		handler        *paymentpkg.Handler
		paymentService *mockPaymentService
		lister         *mockDisbursementLister
		router         chi.Router
		recorder       *httptest.ResponseRecorder
	)

	ginkgo.BeforeEach(func() {
		token := "ws_CO_1"
		paymentService = &mockPaymentService{payment: &payment.Payment{
			ID:               "pay-1",
			OrderID:          "order-1",
			Amount:           decimal.NewFromInt(1500),
			Currency:         "KES",
			Status:           payment.StatusPending,
			CorrelationToken: &token,
		}}
		lister = &mockDisbursementLister{}
		handler = paymentpkg.NewHandler(paymentService, lister, logger.Discard())
		router = chi.NewRouter()
		router.Post("/api/v1/payments", handler.InitiatePayment)
		router.Get("/api/v1/payments/{id}", handler.GetPayment)
		recorder = httptest.NewRecorder()
	})

	post := func(body []byte) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(recorder, req)
	}

	ginkgo.Context("InitiatePayment", func() {
		ginkgo.When("the request is valid", func() {
			ginkgo.It("returns 202 with the pending payment", func() {
				body, _ := json.Marshal(map[string]string{"order_id": "order-1", "phone": "0712345678"})

				post(body)

				gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusAccepted))
				var view paymentpkg.PaymentView
				gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &view)).To(gomega.Succeed())
				gomega.Expect(view.ID).To(gomega.Equal("pay-1"))
				gomega.Expect(view.Status).To(gomega.Equal("pending"))
				gomega.Expect(view.Amount).To(gomega.Equal("1500.00"))
				gomega.Expect(paymentService.lastInput.OrderID).To(gomega.Equal("order-1"))
			})
		})

		ginkgo.When("the body is not JSON", func() {
			ginkgo.It("returns bad request", func() {
				post([]byte("invalid json"))

				gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
			})
		})

		ginkgo.When("the phone is missing", func() {
			ginkgo.It("returns a validation error", func() {
				body, _ := json.Marshal(map[string]string{"order_id": "order-1"})

				post(body)

				gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
				gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring("VALIDATION_FAILED"))
			})
		})

		ginkgo.When("a payment is already in flight", func() {
			ginkgo.It("returns 409", func() {
				paymentService.initiateError = internal.ErrPaymentInFlight
				body, _ := json.Marshal(map[string]string{"order_id": "order-1", "phone": "0712345678"})

				post(body)

				gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusConflict))
				gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring("PAYMENT_IN_FLIGHT"))
			})
		})

		ginkgo.When("the gateway rejects the push", func() {
			ginkgo.It("returns 502 with the reason", func() {
				paymentService.initiateError = internal.NewGatewayError("Invalid PhoneNumber", internal.GatewayDetails{})
				body, _ := json.Marshal(map[string]string{"order_id": "order-1", "phone": "0712345678"})

				post(body)

				gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadGateway))
				gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring("Invalid PhoneNumber"))
			})
		})

		ginkgo.When("the service fails unexpectedly", func() {
			ginkgo.It("hides the cause behind a 500", func() {
				paymentService.initiateError = errors.New("connection reset to db")
				body, _ := json.Marshal(map[string]string{"order_id": "order-1", "phone": "0712345678"})

				post(body)

				gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusInternalServerError))
				gomega.Expect(recorder.Body.String()).ToNot(gomega.ContainSubstring("connection reset"))
			})
		})
	})

	ginkgo.Context("GetPayment", func() {
		ginkgo.It("returns the payment with its disbursements", func() {
			lister.items = []*disbursement.ArtisanDisbursement{
				{ID: "d-1", ArtisanID: "a-1", Amount: decimal.NewFromInt(900), Currency: "KES", Method: disbursement.MethodPhone, Status: disbursement.StatusSuccess},
				{ID: "d-2", ArtisanID: "a-2", Amount: decimal.NewFromInt(600), Currency: "KES", Method: disbursement.MethodPaybill, Status: disbursement.StatusRetry, RetryCount: 1},
			}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay-1", nil)

			router.ServeHTTP(recorder, req)

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			var view paymentpkg.PaymentView
			gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &view)).To(gomega.Succeed())
			gomega.Expect(view.Disbursements).To(gomega.HaveLen(2))
			gomega.Expect(view.Disbursements[1].Status).To(gomega.Equal("retry"))
			gomega.Expect(view.Disbursements[1].Amount).To(gomega.Equal("600.00"))
		})

		ginkgo.It("returns 404 for an unknown payment", func() {
			paymentService.getError = internal.ErrPaymentNotFound
			req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/missing", nil)

			router.ServeHTTP(recorder, req)

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
		})
	})
})
