package disbursement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal/core/datamodel/commerce"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/soko-payments/internal/mpesa"
)

// RepositoryAPI persists disbursements. Update is a compare-and-swap on
// Version and fails with internal.ErrStaleWrite when it loses.
type RepositoryAPI interface {
	CreateBatch(ctx context.Context, ds []*disbursement.ArtisanDisbursement) error
	GetByID(ctx context.Context, id string) (*disbursement.ArtisanDisbursement, error)
	GetByCorrelationToken(ctx context.Context, token string) (*disbursement.ArtisanDisbursement, error)
	GetByOriginatorID(ctx context.Context, originatorID string) (*disbursement.ArtisanDisbursement, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*disbursement.ArtisanDisbursement, error)
	ListDue(ctx context.Context, now, pendingBefore time.Time, limit int) ([]*disbursement.ArtisanDisbursement, error)
	Update(ctx context.Context, d *disbursement.ArtisanDisbursement) error
}

// DisbursementGateway is the part of the gateway client the scheduler needs.
type DisbursementGateway interface {
	InitiateDisbursement(ctx context.Context, req mpesa.DisbursementRequest) (*mpesa.DisbursementResponse, error)
}

// PaymentReader is the payment ledger as seen by the scheduler.
type PaymentReader interface {
	GetPayment(ctx context.Context, id string) (*payment.Payment, error)
	ListAwaitingSplit(ctx context.Context, limit int) ([]*payment.Payment, error)
}

// ArtisanShare is one artisan's cut of a payment together with the payout
// profile current at split time.
type ArtisanShare struct {
	ArtisanID string
	Amount    decimal.Decimal
	Currency  string
	Profile   commerce.PayoutProfile
}

// DisbursementResult is a decoded B2C result or timeout callback. Either id
// may be empty; CorrelationToken is tried first.
type DisbursementResult struct {
	CorrelationToken         string
	OriginatorConversationID string
	Succeeded                bool
	TransactionID            string
	Reason                   string
	Raw                      json.RawMessage
}
