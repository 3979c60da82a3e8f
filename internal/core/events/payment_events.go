package events

import (
	"github.com/shopspring/decimal"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
)

// PaymentCompletedEvent is published once, when a collection settles.
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	BuyerID   string          `json:"buyer_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	ReceiptID string          `json:"receipt_id"`
}

func NewPaymentCompletedEvent(paymentID, orderID, buyerID string, amount decimal.Decimal, currency, receiptID string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: newBase(EventTypePaymentCompleted, map[string]interface{}{
			"payment_id": paymentID,
			"order_id":   orderID,
			"buyer_id":   buyerID,
			"amount":     amount.String(),
			"currency":   currency,
			"receipt_id": receiptID,
		}),
		PaymentID: paymentID,
		OrderID:   orderID,
		BuyerID:   buyerID,
		Amount:    amount,
		Currency:  currency,
		ReceiptID: receiptID,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID     string          `json:"payment_id"`
	OrderID       string          `json:"order_id"`
	BuyerID       string          `json:"buyer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FailureReason string          `json:"failure_reason"`
}

func NewPaymentFailedEvent(paymentID, orderID, buyerID string, amount decimal.Decimal, currency, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: newBase(EventTypePaymentFailed, map[string]interface{}{
			"payment_id":     paymentID,
			"order_id":       orderID,
			"buyer_id":       buyerID,
			"amount":         amount.String(),
			"currency":       currency,
			"failure_reason": failureReason,
		}),
		PaymentID:     paymentID,
		OrderID:       orderID,
		BuyerID:       buyerID,
		Amount:        amount,
		Currency:      currency,
		FailureReason: failureReason,
	}
}
