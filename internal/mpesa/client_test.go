package mpesa_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/mpesa"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

// fakeDaraja records what the client sent and answers with canned bodies.
type fakeDaraja struct {
	mu          sync.Mutex
	tokenStatus int
	stkStatus   int
	stkBody     string
	b2cStatus   int
	b2cBody     string
	delay       time.Duration
	tokenCalls  int
	lastAuth    string
	lastBearer  string
	lastSTK     map[string]interface{}
	lastB2C     map[string]interface{}
}

func newFakeDaraja() *fakeDaraja {
	return &fakeDaraja{
		tokenStatus: http.StatusOK,
		stkStatus:   http.StatusOK,
		stkBody:     `{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success","CustomerMessage":"Success. Request accepted for processing"}`,
		b2cStatus:   http.StatusOK,
		b2cBody:     `{"ConversationID":"AG_1","OriginatorConversationID":"orig-1","ResponseCode":"0","ResponseDescription":"Accept the service request successfully."}`,
	}
}

func (f *fakeDaraja) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.lastAuth = r.Header.Get("Authorization")
		status := f.tokenStatus
		f.mu.Unlock()
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"access_token":"tok-123","expires_in":"3599"}`))
		}
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastBearer = r.Header.Get("Authorization")
		f.lastSTK = body
		status, resp, delay := f.stkStatus, f.stkBody, f.delay
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	})
	mux.HandleFunc("/mpesa/b2c/v3/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastB2C = body
		status, resp := f.b2cStatus, f.b2cBody
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	})
	return mux
}

var _ = Describe("Client", func() {
	var (
		fake   *fakeDaraja
		server *httptest.Server
		client *mpesa.Client
		ctx    context.Context
		fixed  time.Time
	)

	newClient := func(baseURL string, timeout time.Duration) *mpesa.Client {
		return mpesa.NewClient(mpesa.Config{
			BaseURL:            baseURL,
			ConsumerKey:        "key",
			ConsumerSecret:     "secret",
			Shortcode:          "174379",
			Passkey:            "passkey",
			InitiatorName:      "soko",
			SecurityCredential: "cred",
			CallbackBaseURL:    "https://pay.example.com",
			Timeout:            timeout,
		}, logger.Discard(), mpesa.WithClock(func() time.Time { return fixed }))
	}

	BeforeEach(func() {
		ctx = context.Background()
		fixed = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		fake = newFakeDaraja()
		server = httptest.NewServer(fake.handler())
		client = newClient(server.URL, time.Second)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("GetAccessToken", func() {
		It("uses basic auth and returns the token", func() {
			token, err := client.GetAccessToken(ctx)

			Expect(err).ToNot(HaveOccurred())
			Expect(token).To(Equal("tok-123"))
			Expect(fake.lastAuth).To(HavePrefix("Basic "))
		})

		It("returns an auth error on a non-2xx status", func() {
			fake.tokenStatus = http.StatusUnauthorized

			_, err := client.GetAccessToken(ctx)

			Expect(internal.HasCode(err, internal.ErrCodeGatewayAuthFailed)).To(BeTrue())
		})
	})

	Describe("InitiateCollection", func() {
		It("sends the STK push payload and returns the checkout id", func() {
			// When
			resp, err := client.InitiateCollection(ctx, mpesa.CollectionRequest{
				Phone:      "0712345678",
				Amount:     decimal.NewFromInt(1500),
				OrderRef:   "order-1",
				AccountRef: "SOKO-order-1",
			})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.CheckoutRequestID).To(Equal("ws_CO_1"))
			Expect(resp.MerchantRequestID).To(Equal("m-1"))
			Expect(fake.lastBearer).To(Equal("Bearer tok-123"))
			Expect(fake.lastSTK).To(HaveKeyWithValue("PhoneNumber", "254712345678"))
			Expect(fake.lastSTK).To(HaveKeyWithValue("PartyA", "254712345678"))
			Expect(fake.lastSTK).To(HaveKeyWithValue("PartyB", "174379"))
			Expect(fake.lastSTK).To(HaveKeyWithValue("Amount", BeNumerically("==", 1500)))
			Expect(fake.lastSTK).To(HaveKeyWithValue("Timestamp", "20240301120000"))
			Expect(fake.lastSTK).To(HaveKeyWithValue("Password", mpesa.Password("174379", "passkey", "20240301120000")))
			Expect(fake.lastSTK).To(HaveKeyWithValue("CallBackURL", "https://pay.example.com/api/v1/payments/callback"))
			Expect(fake.lastSTK).To(HaveKeyWithValue("TransactionDesc", "Payment for Order order-1"))
		})

		It("fetches a new token for every call", func() {
			req := mpesa.CollectionRequest{Phone: "0712345678", Amount: decimal.NewFromInt(10), OrderRef: "o"}
			_, _ = client.InitiateCollection(ctx, req)
			_, _ = client.InitiateCollection(ctx, req)

			Expect(fake.tokenCalls).To(Equal(2))
		})

		It("rejects fractional amounts before calling the gateway", func() {
			_, err := client.InitiateCollection(ctx, mpesa.CollectionRequest{
				Phone:  "0712345678",
				Amount: decimal.RequireFromString("10.50"),
			})

			Expect(internal.IsType(err, internal.ErrorTypeValidation)).To(BeTrue())
			Expect(fake.tokenCalls).To(Equal(0))
		})

		It("reports a gateway error with the reason from the error body", func() {
			fake.stkStatus = http.StatusBadRequest
			fake.stkBody = `{"requestId":"r","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`

			_, err := client.InitiateCollection(ctx, mpesa.CollectionRequest{Phone: "0712345678", Amount: decimal.NewFromInt(10)})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayRejected)).To(BeTrue())
			appErr, _ := internal.IsAppError(err)
			Expect(appErr.Message).To(Equal("Bad Request - Invalid PhoneNumber"))
			Expect(appErr.Details).To(BeAssignableToTypeOf(internal.GatewayDetails{}))
		})

		It("reports a gateway error when the response code is not zero", func() {
			fake.stkBody = `{"ResponseCode":"1","ResponseDescription":"Rejected"}`

			_, err := client.InitiateCollection(ctx, mpesa.CollectionRequest{Phone: "0712345678", Amount: decimal.NewFromInt(10)})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayRejected)).To(BeTrue())
		})

		It("reports an unknown outcome when the gateway times out", func() {
			fake.delay = 300 * time.Millisecond
			slow := newClient(server.URL, 50*time.Millisecond)

			_, err := slow.InitiateCollection(ctx, mpesa.CollectionRequest{Phone: "0712345678", Amount: decimal.NewFromInt(10)})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayOutcomeUnknown)).To(BeTrue())
		})
	})

	Describe("InitiateDisbursement", func() {
		It("pays a phone destination", func() {
			resp, err := client.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
				OriginatorConversationID: "orig-1",
				Method:                   disbursement.MethodPhone,
				Destination:              "+254711000111",
				Amount:                   decimal.NewFromInt(900),
				Occasion:                 "Order pay-1",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(resp.ConversationID).To(Equal("AG_1"))
			Expect(resp.OriginatorConversationID).To(Equal("orig-1"))
			Expect(fake.lastB2C).To(HaveKeyWithValue("PartyB", "254711000111"))
			Expect(fake.lastB2C).To(HaveKeyWithValue("PartyA", "174379"))
			Expect(fake.lastB2C).To(HaveKeyWithValue("CommandID", "BusinessPayment"))
			Expect(fake.lastB2C).To(HaveKeyWithValue("ResultURL", "https://pay.example.com/api/v1/payments/b2c/result"))
			Expect(fake.lastB2C).To(HaveKeyWithValue("QueueTimeOutURL", "https://pay.example.com/api/v1/payments/b2c/timeout"))
			Expect(fake.lastB2C).ToNot(HaveKey("AccountReference"))
		})

		It("pays a paybill destination with its account reference", func() {
			_, err := client.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
				OriginatorConversationID: "orig-2",
				Method:                   disbursement.MethodPaybill,
				Destination:              "888880",
				AccountReference:         "ACC-9",
				Amount:                   decimal.NewFromInt(600),
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(fake.lastB2C).To(HaveKeyWithValue("PartyB", "888880"))
			Expect(fake.lastB2C).To(HaveKeyWithValue("AccountReference", "ACC-9"))
		})

		It("reports an unknown outcome on a 5xx without a gateway error body", func() {
			fake.b2cStatus = http.StatusServiceUnavailable
			fake.b2cBody = ""

			_, err := client.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
				OriginatorConversationID: "orig-5",
				Method:                   disbursement.MethodPhone,
				Destination:              "0711000111",
				Amount:                   decimal.NewFromInt(100),
			})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayOutcomeUnknown)).To(BeTrue())
			Expect(internal.HasCode(err, internal.ErrCodeGatewayRejected)).To(BeFalse())
		})

		It("reports a rejection on a 5xx that carries a gateway error body", func() {
			fake.b2cStatus = http.StatusInternalServerError
			fake.b2cBody = `{"requestId":"r","errorCode":"500.003.1001","errorMessage":"Internal Server Error"}`

			_, err := client.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
				OriginatorConversationID: "orig-6",
				Method:                   disbursement.MethodPhone,
				Destination:              "0711000111",
				Amount:                   decimal.NewFromInt(100),
			})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayRejected)).To(BeTrue())
		})

		It("reports an auth error when the request token is refused", func() {
			fake.b2cStatus = http.StatusUnauthorized
			fake.b2cBody = `{"requestId":"r","errorCode":"404.001.04","errorMessage":"Invalid Access Token"}`

			_, err := client.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
				OriginatorConversationID: "orig-7",
				Method:                   disbursement.MethodPhone,
				Destination:              "0711000111",
				Amount:                   decimal.NewFromInt(100),
			})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayAuthFailed)).To(BeTrue())
		})

		It("surfaces token failures as auth errors", func() {
			fake.tokenStatus = http.StatusInternalServerError

			_, err := client.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
				OriginatorConversationID: "orig-3",
				Method:                   disbursement.MethodPhone,
				Destination:              "0711000111",
				Amount:                   decimal.NewFromInt(100),
			})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayAuthFailed)).To(BeTrue())
		})

		It("fails before sending anything when the gateway is unreachable", func() {
			downURL := server.URL
			server.Close()
			down := newClient(downURL, time.Second)

			_, err := down.InitiateDisbursement(ctx, mpesa.DisbursementRequest{
				OriginatorConversationID: "orig-4",
				Method:                   disbursement.MethodPhone,
				Destination:              "0711000111",
				Amount:                   decimal.NewFromInt(100),
			})

			Expect(internal.HasCode(err, internal.ErrCodeGatewayAuthFailed)).To(BeTrue())
		})
	})
})
