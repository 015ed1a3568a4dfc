package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexbill/internal/reconciliation/domain"
	"github.com/smallbiznis/lexbill/pkg/db"
	"gorm.io/gorm"
)

const alertBatchSize = 100

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertReport(ctx context.Context, conn *gorm.DB, report *domain.Report) error {
	return conn.WithContext(ctx).Create(report).Error
}

func (r *repo) FindReport(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Report, error) {
	var report domain.Report
	err := conn.WithContext(ctx).Where("id = ?", id).First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

func (r *repo) ListReports(ctx context.Context, conn *gorm.DB, filter domain.ReportFilter) ([]domain.Report, error) {
	stmt := conn.WithContext(ctx).Model(&domain.Report{})
	if filter.AfterID != 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var reports []domain.Report
	err := stmt.Find(&reports).Error
	return reports, err
}

// ListReportsGeneratedBetween returns reports generated in [from, to).
func (r *repo) ListReportsGeneratedBetween(ctx context.Context, conn *gorm.DB, from, to time.Time) ([]domain.Report, error) {
	var reports []domain.Report
	err := conn.WithContext(ctx).
		Where("generated_at >= ? AND generated_at < ?", from.UTC(), to.UTC()).
		Order("generated_at asc").
		Find(&reports).Error
	return reports, err
}

func (r *repo) InsertAlerts(ctx context.Context, conn *gorm.DB, alerts []domain.DiscrepancyAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	return conn.WithContext(ctx).CreateInBatches(alerts, alertBatchSize).Error
}

func (r *repo) FindAlertForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.DiscrepancyAlert, error) {
	var alert domain.DiscrepancyAlert
	err := db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &alert, nil
}

func (r *repo) ListAlerts(ctx context.Context, conn *gorm.DB, filter domain.AlertFilter) ([]domain.DiscrepancyAlert, error) {
	stmt := conn.WithContext(ctx).Model(&domain.DiscrepancyAlert{})
	if filter.Resolved != nil {
		stmt = stmt.Where("resolved = ?", *filter.Resolved)
	}
	if filter.Severity != "" {
		stmt = stmt.Where("severity = ?", filter.Severity)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var alerts []domain.DiscrepancyAlert
	err := stmt.Find(&alerts).Error
	return alerts, err
}

func (r *repo) UpdateAlert(ctx context.Context, tx *gorm.DB, id snowflake.ID, fields map[string]any) error {
	return tx.WithContext(ctx).Model(&domain.DiscrepancyAlert{}).Where("id = ?", id).Updates(fields).Error
}

func (r *repo) CountOpenAlerts(ctx context.Context, conn *gorm.DB) (map[domain.Severity]int64, error) {
	var rows []struct {
		Severity domain.Severity
		Count    int64
	}
	err := conn.WithContext(ctx).
		Model(&domain.DiscrepancyAlert{}).
		Select("severity, COUNT(*) AS count").
		Where("resolved = ?", false).
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.Severity]int64, len(rows))
	for _, row := range rows {
		counts[row.Severity] = row.Count
	}
	return counts, nil
}
