package disbursement

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
	StatusManual     Status = "manual"
)

type Method string

const (
	MethodPhone   Method = "phone"
	MethodPaybill Method = "paybill"
)

// ArtisanDisbursement is the payout owed to one artisan from one payment.
// The destination fields are a snapshot of the artisan profile at creation.
type ArtisanDisbursement struct {
	ID                       string          `gorm:"column:id;type:uuid;primaryKey"`
	PaymentID                string          `gorm:"column:payment_id;not null;uniqueIndex:idx_disbursements_payment_artisan"`
	ArtisanID                string          `gorm:"column:artisan_id;not null;uniqueIndex:idx_disbursements_payment_artisan"`
	Amount                   decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency                 string          `gorm:"column:currency;type:char(3);not null"`
	Status                   Status          `gorm:"column:status;not null;index"`
	Method                   Method          `gorm:"column:disbursement_method;not null"`
	RecipientPhone           *string         `gorm:"column:recipient_phone"`
	PaybillNumber            *string         `gorm:"column:paybill_number"`
	PaybillAccount           *string         `gorm:"column:paybill_account"`
	RetryCount               int             `gorm:"column:retry_count;not null"`
	LastRetryAt              *time.Time      `gorm:"column:last_retry_at"`
	NextRetryAt              *time.Time      `gorm:"column:next_retry_at;index"`
	FailureReason            *string         `gorm:"column:failure_reason"`
	CorrelationToken         *string         `gorm:"column:correlation_token;uniqueIndex"`
	OriginatorConversationID *string         `gorm:"column:originator_conversation_id;uniqueIndex"`
	GatewayTransactionID     *string         `gorm:"column:gateway_transaction_id"`
	CallbackPayload          json.RawMessage `gorm:"column:callback_payload;type:jsonb"`
	CompletedAt              *time.Time      `gorm:"column:completed_at"`
	Version                  int             `gorm:"column:version;not null"`
	CreatedAt                time.Time       `gorm:"column:created_at"`
	UpdatedAt                time.Time       `gorm:"column:updated_at"`
}

func (ArtisanDisbursement) TableName() string {
	return "artisan_disbursements"
}

// IsTerminal reports whether automation will never touch the record again.
func (d *ArtisanDisbursement) IsTerminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusManual
}

// DueAt reports whether a retry-state record may be attempted at now.
func (d *ArtisanDisbursement) DueAt(now time.Time) bool {
	if d.Status != StatusRetry {
		return false
	}
	return d.NextRetryAt == nil || !d.NextRetryAt.After(now)
}

// Destination is the PartyB value sent to the gateway.
func (d *ArtisanDisbursement) Destination() string {
	if d.Method == MethodPaybill {
		return deref(d.PaybillNumber)
	}
	return deref(d.RecipientPhone)
}

// Token is the correlation token of the current attempt, or "".
func (d *ArtisanDisbursement) Token() string {
	return deref(d.CorrelationToken)
}

func (d *ArtisanDisbursement) AccountReference() string {
	return deref(d.PaybillAccount)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
