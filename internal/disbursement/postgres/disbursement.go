package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/core/datamodel/disbursement"
	disbursementpkg "github.com/frahmantamala/soko-payments/internal/disbursement"
)

type DisbursementRepository struct {
	db *gorm.DB
}

func NewDisbursementRepository(db *gorm.DB) disbursementpkg.RepositoryAPI {
	return &DisbursementRepository{
		db: db,
	}
}

// CreateBatch inserts every record of one split or none of them.
func (r *DisbursementRepository) CreateBatch(ctx context.Context, records []*disbursement.ArtisanDisbursement) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range records {
			if err := tx.Create(d).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return internal.NewConflictError("Disbursements already exist for this payment", internal.ErrCodeDisbursementsExist).WithCause(err)
	}
	return err
}

func (r *DisbursementRepository) GetByID(ctx context.Context, id string) (*disbursement.ArtisanDisbursement, error) {
	var d disbursement.ArtisanDisbursement
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.NewNotFoundError("Disbursement not found", internal.ErrCodeDisbursementNotFound)
		}
		return nil, err
	}
	return &d, nil
}

func (r *DisbursementRepository) GetByCorrelationToken(ctx context.Context, token string) (*disbursement.ArtisanDisbursement, error) {
	return r.getBy(ctx, "correlation_token = ?", token)
}

func (r *DisbursementRepository) GetByOriginatorID(ctx context.Context, originatorID string) (*disbursement.ArtisanDisbursement, error) {
	return r.getBy(ctx, "originator_conversation_id = ?", originatorID)
}

func (r *DisbursementRepository) getBy(ctx context.Context, clause, value string) (*disbursement.ArtisanDisbursement, error) {
	var d disbursement.ArtisanDisbursement
	err := r.db.WithContext(ctx).Where(clause, value).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrCorrelationNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *DisbursementRepository) ListByPayment(ctx context.Context, paymentID string) ([]*disbursement.ArtisanDisbursement, error) {
	var records []*disbursement.ArtisanDisbursement
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Find(&records).Error
	return records, err
}

func (r *DisbursementRepository) ListDue(ctx context.Context, now, pendingBefore time.Time, limit int) ([]*disbursement.ArtisanDisbursement, error) {
	var records []*disbursement.ArtisanDisbursement
	err := r.db.WithContext(ctx).
		Where("(status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)) OR (status = ? AND updated_at < ?)",
			disbursement.StatusRetry, now, disbursement.StatusPending, pendingBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *DisbursementRepository) Update(ctx context.Context, d *disbursement.ArtisanDisbursement) error {
	expected := d.Version
	d.Version = expected + 1

	result := r.db.WithContext(ctx).
		Model(d).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(d)
	if result.Error != nil {
		d.Version = expected
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return internal.NewCorrelationCollisionError(result.Error)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		d.Version = expected
		return internal.ErrStaleWrite
	}
	return nil
}
