package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

var _ = ginkgo.Describe("Errors", func() {
	ginkgo.Describe("HasCode", func() {
		ginkgo.It("should find a code behind fmt wrapping", func() {
			err := fmt.Errorf("initiate: %w", NewOutcomeUnknownError("request timed out", context.DeadlineExceeded))

			gomega.Expect(HasCode(err, ErrCodeGatewayOutcomeUnknown)).To(gomega.BeTrue())
			gomega.Expect(HasCode(err, ErrCodeGatewayRejected)).To(gomega.BeFalse())
		})

		ginkgo.It("should follow the cause chain of app errors", func() {
			err := NewInternalError("attempt failed", ErrStaleWrite)

			gomega.Expect(HasCode(err, ErrCodeInternal)).To(gomega.BeTrue())
			gomega.Expect(HasCode(err, ErrCodeStaleWrite)).To(gomega.BeTrue())
		})

		ginkgo.It("should be false for plain errors", func() {
			gomega.Expect(HasCode(errors.New("boom"), ErrCodeInternal)).To(gomega.BeFalse())
			gomega.Expect(HasCode(nil, ErrCodeInternal)).To(gomega.BeFalse())
		})
	})

	ginkgo.Describe("IsType", func() {
		ginkgo.It("should match the outermost app error", func() {
			err := fmt.Errorf("lookup: %w", ErrPaymentNotFound)

			gomega.Expect(IsType(err, ErrorTypeNotFound)).To(gomega.BeTrue())
			gomega.Expect(IsType(err, ErrorTypeConflict)).To(gomega.BeFalse())
		})
	})

	ginkgo.Describe("AppError", func() {
		ginkgo.It("should report the first field error as its message", func() {
			err := NewValidationFieldError("phone", "phone is required", ErrCodeInvalidPhone)

			gomega.Expect(err.Error()).To(gomega.Equal("phone is required"))
			gomega.Expect(err.StatusCode).To(gomega.Equal(http.StatusBadRequest))
		})

		ginkgo.It("should keep the gateway reason in its details", func() {
			err := NewGatewayError("The initiator information is invalid.", GatewayDetails{ResponseCode: "2001"})

			details, ok := err.Details.(GatewayDetails)
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(details.Reason).To(gomega.Equal("The initiator information is invalid."))
			gomega.Expect(details.ResponseCode).To(gomega.Equal("2001"))
		})

		ginkgo.It("should leave the cause out of the JSON body", func() {
			body, err := NewInternalError("database unavailable", errors.New("dial tcp: refused")).MarshalJSON()

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(string(body)).To(gomega.ContainSubstring(`"code":"INTERNAL_ERROR"`))
			gomega.Expect(string(body)).ToNot(gomega.ContainSubstring("dial tcp"))
		})
	})

	ginkgo.Describe("WithTimeout", func() {
		ginkgo.It("should fall back to the default timeout", func() {
			ctx, cancel := WithTimeout(context.Background(), 0)
			defer cancel()

			deadline, ok := ctx.Deadline()
			gomega.Expect(ok).To(gomega.BeTrue())
			gomega.Expect(time.Until(deadline)).To(gomega.BeNumerically("~", DefaultTimeout, time.Second))
		})
	})
})
