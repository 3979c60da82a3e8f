package notification_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/soko-payments/internal/notification"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

var _ = Describe("WebSocketSink", func() {
	var (
		verifier *notification.TokenVerifier
		sink     *notification.WebSocketSink
		server   *httptest.Server
	)

	dial := func(token string) (*websocket.Conn, *http.Response, error) {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
		return websocket.DefaultDialer.Dial(url, nil)
	}

	BeforeEach(func() {
		verifier = notification.NewTokenVerifier("test-secret")
		sink = notification.NewWebSocketSink(verifier, nil, logger.Discard())
		mux := http.NewServeMux()
		mux.Handle("/ws", sink)
		server = httptest.NewServer(mux)
	})

	AfterEach(func() {
		sink.Close()
		server.Close()
	})

	It("should push a notification to the user's connection", func() {
		// Given
		token, err := verifier.Issue("artisan-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		conn, _, err := dial(token)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()
		Eventually(func() int { return sink.Subscribers("artisan-a") }).Should(Equal(1))

		// When
		err = sink.Send(context.Background(), "artisan-a", notification.TypeDisbursementSuccess, map[string]any{"amount": "900.00"})

		// Then
		Expect(err).ToNot(HaveOccurred())
		var msg notification.Message
		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		Expect(conn.ReadJSON(&msg)).To(Succeed())
		Expect(msg.Type).To(Equal(notification.TypeDisbursementSuccess))
		Expect(msg.Data).To(HaveKeyWithValue("amount", "900.00"))
	})

	It("should not deliver to other users", func() {
		token, _ := verifier.Issue("artisan-a", time.Minute)
		conn, _, err := dial(token)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()
		Eventually(func() int { return sink.Subscribers("artisan-a") }).Should(Equal(1))

		Expect(sink.Send(context.Background(), "artisan-b", notification.TypeDisbursementSuccess, nil)).To(Succeed())

		Expect(conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))).To(Succeed())
		_, _, err = conn.ReadMessage()
		Expect(err).To(HaveOccurred())
	})

	It("should refuse a connection with a bad token", func() {
		_, resp, err := dial("not-a-token")

		Expect(err).To(HaveOccurred())
		Expect(resp).ToNot(BeNil())
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("should forget a subscriber that disconnects", func() {
		token, _ := verifier.Issue("artisan-a", time.Minute)
		conn, _, err := dial(token)
		Expect(err).ToNot(HaveOccurred())
		Eventually(func() int { return sink.Subscribers("artisan-a") }).Should(Equal(1))

		conn.Close()

		Eventually(func() int { return sink.Subscribers("artisan-a") }).Should(BeZero())
	})

	It("should succeed when the user has no connection", func() {
		Expect(sink.Send(context.Background(), "nobody", notification.TypePaymentSuccess, nil)).To(Succeed())
	})
})

var _ = Describe("TokenVerifier", func() {
	It("should return the subject of a valid token", func() {
		v := notification.NewTokenVerifier("secret")
		token, err := v.Issue("operators", time.Minute)
		Expect(err).ToNot(HaveOccurred())

		subject, err := v.Verify(token)

		Expect(err).ToNot(HaveOccurred())
		Expect(subject).To(Equal("operators"))
	})

	It("should reject a token signed with another secret", func() {
		token, _ := notification.NewTokenVerifier("other").Issue("artisan-a", time.Minute)

		_, err := notification.NewTokenVerifier("secret").Verify(token)

		Expect(err).To(HaveOccurred())
	})

	It("should reject an expired token", func() {
		v := notification.NewTokenVerifier("secret")
		token, _ := v.Issue("artisan-a", -time.Minute)

		_, err := v.Verify(token)

		Expect(err).To(MatchError(ContainSubstring("expired")))
	})

	It("should reject everything without a secret", func() {
		_, err := notification.NewTokenVerifier("").Verify("anything")

		Expect(err).To(HaveOccurred())
	})
})
