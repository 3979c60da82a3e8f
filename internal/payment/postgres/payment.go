package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/soko-payments/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{
		db: db,
	}
}

// Create relies on the partial unique index over pending payments, so two
// racing requests for the same order cannot both insert.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	err := r.db.WithContext(ctx).Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return internal.ErrPaymentInFlight
	}
	return err
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByCorrelationToken(ctx context.Context, token string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where("correlation_token = ?", token).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrCorrelationNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetPendingByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, payment.StatusPending).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	expected := p.Version
	p.Version = expected + 1

	result := r.db.WithContext(ctx).
		Model(p).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(p)
	if result.Error != nil {
		p.Version = expected
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return internal.NewCorrelationCollisionError(result.Error)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		p.Version = expected
		return internal.ErrStaleWrite
	}
	return nil
}

func (r *PaymentRepository) ListUninitiated(ctx context.Context, createdBefore time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND correlation_token IS NULL AND created_at < ?", payment.StatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListAwaitingSplit(ctx context.Context, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	sub := r.db.Model(&disbursement.ArtisanDisbursement{}).
		Select("1").
		Where("artisan_disbursements.payment_id = payments.id")
	err := r.db.WithContext(ctx).
		Where("status = ?", payment.StatusSuccess).
		Where("NOT EXISTS (?)", sub).
		Order("received_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
