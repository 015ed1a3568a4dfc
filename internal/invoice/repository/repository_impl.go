package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexbill/internal/invoice/domain"
	"github.com/smallbiznis/lexbill/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// NextSequence bumps the month counter under the row lock the UPDATE takes,
// so concurrent writers in the same period queue behind each other.
func (r *repo) NextSequence(ctx context.Context, tx *gorm.DB, period string) (int64, error) {
	tx = tx.WithContext(ctx)
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.InvoiceSequence{Period: period}).Error; err != nil {
		return 0, err
	}
	if err := tx.Exec(
		`UPDATE invoice_sequences SET last_value = last_value + 1 WHERE period = ?`,
		period,
	).Error; err != nil {
		return 0, err
	}

	var seq domain.InvoiceSequence
	if err := tx.Where("period = ?", period).First(&seq).Error; err != nil {
		return 0, err
	}
	return seq.LastValue, nil
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice) error {
	tx = tx.WithContext(ctx)
	if err := tx.Omit(clause.Associations).Create(invoice).Error; err != nil {
		return err
	}
	if len(invoice.Items) == 0 {
		return nil
	}
	return tx.Create(&invoice.Items).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := conn.WithContext(ctx).
		Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("position asc") }).
		Where("id = ?", id).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]domain.Invoice, error) {
	stmt := conn.WithContext(ctx).Model(&domain.Invoice{})
	if filter.CaseID != 0 {
		stmt = stmt.Where("case_id = ?", filter.CaseID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var invoices []domain.Invoice
	err := stmt.Find(&invoices).Error
	return invoices, err
}

func (r *repo) UpdateFields(ctx context.Context, tx *gorm.DB, id snowflake.ID, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	return tx.WithContext(ctx).Model(&domain.Invoice{}).Where("id = ?", id).Updates(fields).Error
}

func (r *repo) InsertTimeEntry(ctx context.Context, conn *gorm.DB, entry *domain.TimeEntry) error {
	return conn.WithContext(ctx).Create(entry).Error
}

func (r *repo) InsertExpense(ctx context.Context, conn *gorm.DB, expense *domain.Expense) error {
	return conn.WithContext(ctx).Create(expense).Error
}

func (r *repo) UnbilledTimeEntries(ctx context.Context, tx *gorm.DB, caseID snowflake.ID, currency string) ([]domain.TimeEntry, error) {
	var entries []domain.TimeEntry
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("case_id = ? AND billed = ? AND currency = ?", caseID, false, currency).
		Order("worked_at asc, id asc").
		Find(&entries).Error
	return entries, err
}

func (r *repo) UnbilledExpenses(ctx context.Context, tx *gorm.DB, caseID snowflake.ID, currency string) ([]domain.Expense, error) {
	var expenses []domain.Expense
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("case_id = ? AND billed = ? AND billable = ? AND currency = ?", caseID, false, true, currency).
		Order("incurred_at asc, id asc").
		Find(&expenses).Error
	return expenses, err
}

// MarkTimeEntriesBilled only touches rows still unbilled; the caller compares
// the affected count with len(ids).
func (r *repo) MarkTimeEntriesBilled(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := tx.WithContext(ctx).Model(&domain.TimeEntry{}).
		Where("id IN ? AND billed = ?", ids, false).
		Updates(map[string]any{"billed": true, "invoice_id": invoiceID})
	return res.RowsAffected, res.Error
}

func (r *repo) MarkExpensesBilled(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := tx.WithContext(ctx).Model(&domain.Expense{}).
		Where("id IN ? AND billed = ?", ids, false).
		Updates(map[string]any{"billed": true, "invoice_id": invoiceID})
	return res.RowsAffected, res.Error
}
