// Package commerce exposes the storefront data the payment flows read but
// never write: orders, their line items and artisan payout profiles.
package commerce

import (
	"context"

	"github.com/frahmantamala/soko-payments/internal/core/datamodel/commerce"
)

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*commerce.Order, error)
}

type ArtisanDirectory interface {
	GetPayoutProfile(ctx context.Context, artisanID string) (*commerce.PayoutProfile, error)
}
