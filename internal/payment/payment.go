package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/soko-payments/internal/mpesa"
)

// RepositoryAPI persists payments. Update is a compare-and-swap on Version:
// it bumps the version and fails with internal.ErrStaleWrite when the stored
// row has moved on.
type RepositoryAPI interface {
	Create(ctx context.Context, p *payment.Payment) error
	GetByID(ctx context.Context, id string) (*payment.Payment, error)
	GetByCorrelationToken(ctx context.Context, token string) (*payment.Payment, error)
	GetPendingByOrderID(ctx context.Context, orderID string) (*payment.Payment, error)
	Update(ctx context.Context, p *payment.Payment) error
	ListUninitiated(ctx context.Context, createdBefore time.Time, limit int) ([]*payment.Payment, error)
	ListAwaitingSplit(ctx context.Context, limit int) ([]*payment.Payment, error)
}

type ServiceAPI interface {
	CreatePayment(ctx context.Context, in CreatePaymentInput) (*payment.Payment, error)
	RecordCollectionInitiated(ctx context.Context, paymentID, correlationToken, merchantRequestID string) (*payment.Payment, error)
	ApplyCollectionResult(ctx context.Context, res CollectionResult) (*payment.Payment, bool, error)
	InitiateCollection(ctx context.Context, in InitiateCollectionInput) (*payment.Payment, error)
	ExpireUninitiated(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	GetPayment(ctx context.Context, id string) (*payment.Payment, error)
	ListAwaitingSplit(ctx context.Context, limit int) ([]*payment.Payment, error)
}

// CollectionGateway is the part of the gateway client the ledger needs.
type CollectionGateway interface {
	InitiateCollection(ctx context.Context, req mpesa.CollectionRequest) (*mpesa.CollectionResponse, error)
}

// DisbursementLister feeds the status endpoint.
type DisbursementLister interface {
	ListByPayment(ctx context.Context, paymentID string) ([]*disbursement.ArtisanDisbursement, error)
}

type CreatePaymentInput struct {
	OrderID    string
	BuyerID    string
	Amount     decimal.Decimal
	Currency   string
	PayerPhone string
}

type InitiateCollectionInput struct {
	OrderID string
	Phone   string
}

// CollectionResult is a decoded collection callback.
type CollectionResult struct {
	CorrelationToken string
	Succeeded        bool
	ReceiptID        string
	Reason           string
	Raw              json.RawMessage
}
