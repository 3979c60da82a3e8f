package commerce

import (
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
)

// Order is the read-only view of a storefront order.
type Order struct {
	ID       string
	BuyerID  string
	Currency string
	Total    decimal.Decimal
	Items    []OrderItem
}

type OrderItem struct {
	ArtisanID  string
	Quantity   int
	UnitPrice  decimal.Decimal
	TotalPrice *decimal.Decimal
}

// LineTotal falls back to quantity times unit price when the stored line
// total is missing.
func (i OrderItem) LineTotal() decimal.Decimal {
	if i.TotalPrice != nil {
		return *i.TotalPrice
	}
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemsTotal sums every line of the order.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range o.Items {
		sum = sum.Add(item.LineTotal())
	}
	return sum
}

// PayoutProfile is where an artisan wants to be paid.
type PayoutProfile struct {
	ArtisanID      string
	Method         disbursement.Method
	Phone          string
	PaybillNumber  string
	PaybillAccount string
}
