package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Payment is one collection attempt against an order. At most one pending
// payment may exist per order.
type Payment struct {
	ID                string          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           string          `gorm:"column:order_id;not null;index:idx_payments_pending_order,unique,where:status = 'pending'"`
	BuyerID           string          `gorm:"column:buyer_id;not null"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency          string          `gorm:"column:currency;type:char(3);not null"`
	PayerPhone        string          `gorm:"column:payer_phone;not null"`
	Status            Status          `gorm:"column:status;not null"`
	CorrelationToken  *string         `gorm:"column:correlation_token;uniqueIndex"`
	MerchantRequestID *string         `gorm:"column:merchant_request_id"`
	GatewayReceipt    *string         `gorm:"column:gateway_receipt"`
	CallbackPayload   json.RawMessage `gorm:"column:callback_payload;type:jsonb"`
	FailureReason     *string         `gorm:"column:failure_reason"`
	ReceivedAt        *time.Time      `gorm:"column:received_at"`
	Version           int             `gorm:"column:version;not null"`
	CreatedAt         time.Time       `gorm:"column:created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) IsTerminal() bool {
	return p.Status == StatusSuccess || p.Status == StatusFailed
}

func (p *Payment) HasCorrelationToken() bool {
	return p.CorrelationToken != nil && *p.CorrelationToken != ""
}

func (p *Payment) Token() string {
	if p.CorrelationToken == nil {
		return ""
	}
	return *p.CorrelationToken
}
