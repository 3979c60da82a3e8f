package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/commerce"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type orderRow struct {
	ID       string              `db:"id"`
	UserID   sql.NullString      `db:"user_id"`
	Total    decimal.NullDecimal `db:"total_amount"`
	Currency sql.NullString      `db:"currency"`
}

type itemRow struct {
	ArtisanID  string              `db:"artisan_id"`
	Quantity   sql.NullInt64       `db:"quantity"`
	UnitPrice  decimal.NullDecimal `db:"unit_price"`
	TotalPrice decimal.NullDecimal `db:"total_price"`
}

type profileRow struct {
	ID             string         `db:"id"`
	PaymentMethod  sql.NullString `db:"payment_method"`
	MpesaPhone     sql.NullString `db:"mpesa_phone"`
	PaybillNumber  sql.NullString `db:"paybill_number"`
	PaybillAccount sql.NullString `db:"paybill_account"`
}

func (r *Repository) GetOrder(ctx context.Context, orderID string) (*commerce.Order, error) {
	var row orderRow
	query := r.db.Rebind(`SELECT id, user_id, total_amount, currency FROM orders WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, query, orderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.NewNotFoundError("Order not found", internal.ErrCodeOrderNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	var items []itemRow
	query = r.db.Rebind(`SELECT artisan_id, quantity, unit_price, total_price FROM order_items WHERE order_id = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &items, query, orderID); err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}

	order := &commerce.Order{
		ID:       row.ID,
		BuyerID:  row.UserID.String,
		Currency: strings.TrimSpace(row.Currency.String),
		Items:    make([]commerce.OrderItem, 0, len(items)),
	}
	if row.Total.Valid {
		order.Total = row.Total.Decimal
	}
	for _, it := range items {
		item := commerce.OrderItem{
			ArtisanID: it.ArtisanID,
			Quantity:  int(it.Quantity.Int64),
			UnitPrice: it.UnitPrice.Decimal,
		}
		if it.TotalPrice.Valid {
			total := it.TotalPrice.Decimal
			item.TotalPrice = &total
		}
		order.Items = append(order.Items, item)
	}
	return order, nil
}

func (r *Repository) GetPayoutProfile(ctx context.Context, artisanID string) (*commerce.PayoutProfile, error) {
	var row profileRow
	query := r.db.Rebind(`SELECT id, payment_method, mpesa_phone, paybill_number, paybill_account FROM users WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, query, artisanID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.NewNotFoundError("Artisan not found", internal.ErrCodeArtisanNotFound)
		}
		return nil, fmt.Errorf("get payout profile: %w", err)
	}

	method := disbursement.MethodPhone
	if strings.EqualFold(row.PaymentMethod.String, string(disbursement.MethodPaybill)) {
		method = disbursement.MethodPaybill
	}
	return &commerce.PayoutProfile{
		ArtisanID:      row.ID,
		Method:         method,
		Phone:          row.MpesaPhone.String,
		PaybillNumber:  row.PaybillNumber.String,
		PaybillAccount: row.PaybillAccount.String,
	}, nil
}
