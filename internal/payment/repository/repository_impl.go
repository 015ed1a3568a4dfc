package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexbill/internal/payment/domain"
	"github.com/smallbiznis/lexbill/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, payment *domain.Payment) error {
	return conn.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return first(conn.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	return first(db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id))
}

func (r *repo) FindByGatewayReference(ctx context.Context, conn *gorm.DB, method, reference string) (*domain.Payment, error) {
	return first(conn.WithContext(ctx).
		Where("method = ? AND (transaction_id = ? OR reference = ?)", method, reference, reference).
		Order("id desc"))
}

func (r *repo) ListByInvoice(ctx context.Context, conn *gorm.DB, invoiceID snowflake.ID) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := conn.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("id asc").
		Find(&payments).Error
	return payments, err
}

// ListInWindow returns payments created in [from, to).
func (r *repo) ListInWindow(ctx context.Context, conn *gorm.DB, from, to time.Time, methods []string) ([]domain.Payment, error) {
	stmt := conn.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC())
	if len(methods) > 0 {
		stmt = stmt.Where("method IN ?", methods)
	}
	var payments []domain.Payment
	err := stmt.Order("created_at asc, id asc").Find(&payments).Error
	return payments, err
}

// ListDueForReconciliation picks pending and completed payments that were
// never verified or were last verified before the cutoff, oldest check first.
func (r *repo) ListDueForReconciliation(ctx context.Context, conn *gorm.DB, filter domain.SweepFilter) ([]domain.Payment, error) {
	stmt := conn.WithContext(ctx).
		Where("status IN ?", []domain.Status{domain.StatusPending, domain.StatusCompleted}).
		Where("created_at >= ?", filter.CreatedSince.UTC()).
		Where("(last_reconciled_at IS NULL OR last_reconciled_at < ?)", filter.ReconciledBefore.UTC()).
		Where("(scheduled_for IS NULL OR scheduled_for <= ?)", filter.ReconciledBefore.UTC()).
		Order("last_reconciled_at asc, id asc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	var payments []domain.Payment
	err := stmt.Find(&payments).Error
	return payments, err
}

func (r *repo) UpdateFields(ctx context.Context, tx *gorm.DB, id snowflake.ID, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	return tx.WithContext(ctx).Model(&domain.Payment{}).Where("id = ?", id).Updates(fields).Error
}

// InsertEvent reports false when the provider already delivered this event.
func (r *repo) InsertEvent(ctx context.Context, tx *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_events SET processed_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}

func first(stmt *gorm.DB) (*domain.Payment, error) {
	var payment domain.Payment
	if err := stmt.First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}
