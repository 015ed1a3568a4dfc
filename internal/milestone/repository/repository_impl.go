package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexbill/internal/milestone/domain"
	"github.com/smallbiznis/lexbill/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertNodes(ctx context.Context, tx *gorm.DB, nodes []domain.BillingNode) error {
	if len(nodes) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&nodes).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.BillingNode, error) {
	return first(conn.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.BillingNode, error) {
	return first(db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id))
}

func (r *repo) ListByCase(ctx context.Context, conn *gorm.DB, caseID snowflake.ID) ([]domain.BillingNode, error) {
	var nodes []domain.BillingNode
	err := conn.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("phase asc, position asc").
		Find(&nodes).Error
	return nodes, err
}

func (r *repo) ListPendingAfter(ctx context.Context, conn *gorm.DB, caseID snowflake.ID, phase string, order int) ([]domain.BillingNode, error) {
	var nodes []domain.BillingNode
	err := conn.WithContext(ctx).
		Where("case_id = ? AND phase = ? AND position > ? AND status = ? AND active = ?",
			caseID, phase, order, domain.NodeStatusPending, true).
		Order("position asc").
		Find(&nodes).Error
	return nodes, err
}

// Complete moves a pending node to COMPLETED. Zero rows means it was not pending.
func (r *repo) Complete(ctx context.Context, tx *gorm.DB, id snowflake.ID, completedAt time.Time, notes string) (int64, error) {
	res := tx.WithContext(ctx).Model(&domain.BillingNode{}).
		Where("id = ? AND status = ?", id, domain.NodeStatusPending).
		Updates(map[string]any{
			"status":       domain.NodeStatusCompleted,
			"completed_at": completedAt,
			"notes":        notes,
			"updated_at":   time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// AttachInvoice sets invoice_id only while it is still empty.
func (r *repo) AttachInvoice(ctx context.Context, tx *gorm.DB, id, invoiceID snowflake.ID) (int64, error) {
	res := tx.WithContext(ctx).Model(&domain.BillingNode{}).
		Where("id = ? AND invoice_id IS NULL", id).
		Updates(map[string]any{
			"invoice_id": invoiceID,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *repo) ListUninvoicedCompleted(ctx context.Context, conn *gorm.DB, caseID snowflake.ID) ([]domain.BillingNode, error) {
	var nodes []domain.BillingNode
	err := conn.WithContext(ctx).
		Where("case_id = ? AND status = ? AND active = ? AND invoice_id IS NULL",
			caseID, domain.NodeStatusCompleted, true).
		Order("completed_at asc, id asc").
		Find(&nodes).Error
	return nodes, err
}

func (r *repo) CasesWithUninvoiced(ctx context.Context, conn *gorm.DB, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	stmt := conn.WithContext(ctx).Model(&domain.BillingNode{}).
		Where("status = ? AND active = ? AND invoice_id IS NULL", domain.NodeStatusCompleted, true).
		Distinct("case_id").
		Order("case_id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Pluck("case_id", &ids).Error
	return ids, err
}

func first(stmt *gorm.DB) (*domain.BillingNode, error) {
	var node domain.BillingNode
	if err := stmt.First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node, nil
}
