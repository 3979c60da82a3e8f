package payment

import (
	"time"

	"github.com/frahmantamala/soko-payments/internal/core/common/validation"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
)

// InitiatePaymentRequest is the body of POST /api/v1/payments.
type InitiatePaymentRequest struct {
	OrderID string `json:"order_id"`
	Phone   string `json:"phone"`
}

func (r *InitiatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("order_id", r.OrderID).Required().MaxLength(64)
	validator.Field("phone", r.Phone).Required().MinLength(9).MaxLength(20).PhoneDigits()

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type PaymentView struct {
	ID               string             `json:"id"`
	OrderID          string             `json:"order_id"`
	Amount           string             `json:"amount"`
	Currency         string             `json:"currency"`
	Status           string             `json:"status"`
	CorrelationToken string             `json:"correlation_token,omitempty"`
	Receipt          string             `json:"receipt,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ReceivedAt       *time.Time         `json:"received_at,omitempty"`
	Disbursements    []DisbursementView `json:"disbursements,omitempty"`
}

type DisbursementView struct {
	ID            string     `json:"id"`
	ArtisanID     string     `json:"artisan_id"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func NewPaymentView(p *payment.Payment, ds []*disbursement.ArtisanDisbursement) PaymentView {
	view := PaymentView{
		ID:               p.ID,
		OrderID:          p.OrderID,
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		Status:           string(p.Status),
		CorrelationToken: p.Token(),
		Receipt:          deref(p.GatewayReceipt),
		FailureReason:    deref(p.FailureReason),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		ReceivedAt:       p.ReceivedAt,
	}
	for _, d := range ds {
		view.Disbursements = append(view.Disbursements, DisbursementView{
			ID:            d.ID,
			ArtisanID:     d.ArtisanID,
			Amount:        d.Amount.StringFixed(2),
			Currency:      d.Currency,
			Method:        string(d.Method),
			Status:        string(d.Status),
			RetryCount:    d.RetryCount,
			NextRetryAt:   d.NextRetryAt,
			FailureReason: deref(d.FailureReason),
			CompletedAt:   d.CompletedAt,
		})
	}
	return view
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
