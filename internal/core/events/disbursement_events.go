package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventTypeDisbursementSucceeded      = "disbursement.succeeded"
	EventTypeDisbursementRetryScheduled = "disbursement.retry_scheduled"
	EventTypeDisbursementManual         = "disbursement.manual"
	EventTypeDisbursementSplitFailed    = "disbursement.split_failed"
)

// DisbursementRef identifies the payout an event is about.
type DisbursementRef struct {
	DisbursementID string          `json:"disbursement_id"`
	PaymentID      string          `json:"payment_id"`
	ArtisanID      string          `json:"artisan_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

func (r DisbursementRef) data() map[string]interface{} {
	return map[string]interface{}{
		"disbursement_id": r.DisbursementID,
		"payment_id":      r.PaymentID,
		"artisan_id":      r.ArtisanID,
		"amount":          r.Amount.String(),
		"currency":        r.Currency,
	}
}

type DisbursementSucceededEvent struct {
	BaseEvent
	DisbursementRef
	TransactionID string `json:"transaction_id"`
}

func NewDisbursementSucceededEvent(ref DisbursementRef, transactionID string) *DisbursementSucceededEvent {
	data := ref.data()
	data["transaction_id"] = transactionID
	return &DisbursementSucceededEvent{
		BaseEvent:       newBase(EventTypeDisbursementSucceeded, data),
		DisbursementRef: ref,
		TransactionID:   transactionID,
	}
}

type DisbursementRetryScheduledEvent struct {
	BaseEvent
	DisbursementRef
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Reason      string    `json:"reason"`
}

func NewDisbursementRetryScheduledEvent(ref DisbursementRef, retryCount int, nextRetryAt time.Time, reason string) *DisbursementRetryScheduledEvent {
	data := ref.data()
	data["retry_count"] = retryCount
	data["next_retry_at"] = nextRetryAt.UTC().Format(time.RFC3339)
	data["reason"] = reason
	return &DisbursementRetryScheduledEvent{
		BaseEvent:       newBase(EventTypeDisbursementRetryScheduled, data),
		DisbursementRef: ref,
		RetryCount:      retryCount,
		NextRetryAt:     nextRetryAt,
		Reason:          reason,
	}
}

type DisbursementManualEvent struct {
	BaseEvent
	DisbursementRef
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
}

func NewDisbursementManualEvent(ref DisbursementRef, retryCount int, reason string) *DisbursementManualEvent {
	data := ref.data()
	data["retry_count"] = retryCount
	data["reason"] = reason
	return &DisbursementManualEvent{
		BaseEvent:       newBase(EventTypeDisbursementManual, data),
		DisbursementRef: ref,
		RetryCount:      retryCount,
		Reason:          reason,
	}
}

// DisbursementSplitFailedEvent is raised when a settled payment could not be
// divided among its artisans and needs an operator.
type DisbursementSplitFailedEvent struct {
	BaseEvent
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason"`
}

func NewDisbursementSplitFailedEvent(paymentID, orderID, reason string) *DisbursementSplitFailedEvent {
	return &DisbursementSplitFailedEvent{
		BaseEvent: newBase(EventTypeDisbursementSplitFailed, map[string]interface{}{
			"payment_id": paymentID,
			"order_id":   orderID,
			"reason":     reason,
		}),
		PaymentID: paymentID,
		OrderID:   orderID,
		Reason:    reason,
	}
}
