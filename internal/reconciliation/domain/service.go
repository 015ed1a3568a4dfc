package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"github.com/smallbiznis/lexbill/pkg/db/pagination"
	"gorm.io/gorm"
)

const (
	TriggerAPI       = "api"
	TriggerScheduler = "scheduler"
)

type GenerateReportRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Methods     []string  `json:"methods,omitempty"`
	AutoMatch   bool      `json:"auto_match"`
	Trigger     string    `json:"-"`
}

// Outcome is what reconciling a single payment did.
type Outcome struct {
	PaymentID     snowflake.ID         `json:"payment_id"`
	Result        string               `json:"result"`
	Status        paymentdomain.Status `json:"status"`
	GatewayStatus paymentdomain.Status `json:"gateway_status,omitempty"`
	Corrected     bool                 `json:"corrected"`
	Alert         *DiscrepancyAlert    `json:"alert,omitempty"`
}

type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
	ExportPDF  ExportFormat = "pdf"
)

type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}

type ListReportsRequest struct {
	pagination.Pagination
}

type ListReportsResponse struct {
	pagination.PageInfo
	Reports []Report `json:"reports"`
}

type ListAlertsRequest struct {
	pagination.Pagination
	Resolved *bool
	Severity string
}

type ListAlertsResponse struct {
	pagination.PageInfo
	Alerts []DiscrepancyAlert `json:"alerts"`
}

type ResolveAlertRequest struct {
	AlertID    string `json:"-"`
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

type StatisticsRequest struct {
	From time.Time
	To   time.Time
}

type Statistics struct {
	From               time.Time          `json:"from"`
	To                 time.Time          `json:"to"`
	Reports            int                `json:"reports"`
	PaymentsChecked    int                `json:"payments_checked"`
	AmountChecked      decimal.Decimal    `json:"amount_checked"`
	Matched            int                `json:"matched"`
	Unmatched          int                `json:"unmatched"`
	Discrepancies      int                `json:"discrepancies"`
	Corrected          int                `json:"corrected"`
	MatchRate          decimal.Decimal    `json:"match_rate"`
	OpenAlerts         int64              `json:"open_alerts"`
	OpenAlertsSeverity map[Severity]int64 `json:"open_alerts_by_severity"`
}

// DiscrepancyDetected is published for every persisted alert.
type DiscrepancyDetected struct {
	AlertID       snowflake.ID         `json:"alert_id"`
	ReportID      *snowflake.ID        `json:"report_id,omitempty"`
	PaymentID     snowflake.ID         `json:"payment_id"`
	Type          DiscrepancyType      `json:"type"`
	Severity      Severity             `json:"severity"`
	LocalStatus   paymentdomain.Status `json:"local_status"`
	GatewayStatus paymentdomain.Status `json:"gateway_status,omitempty"`
	DetectedAt    time.Time            `json:"detected_at"`
}

// ReportGenerated is published after a report commits.
type ReportGenerated struct {
	ReportID    snowflake.ID `json:"report_id"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	Trigger     string       `json:"trigger"`
	Summary     Summary      `json:"summary"`
}

type Service interface {
	GenerateReport(ctx context.Context, req GenerateReportRequest) (Report, error)
	// ReconcilePayment checks one payment with auto-match on. No report is
	// written; an alert is persisted when a discrepancy is found.
	ReconcilePayment(ctx context.Context, paymentID snowflake.ID) (Outcome, error)
	GetReport(ctx context.Context, id string) (Report, error)
	ListReports(ctx context.Context, req ListReportsRequest) (ListReportsResponse, error)
	ExportReport(ctx context.Context, id string, format ExportFormat) (Export, error)
	ListAlerts(ctx context.Context, req ListAlertsRequest) (ListAlertsResponse, error)
	ResolveAlert(ctx context.Context, req ResolveAlertRequest) (DiscrepancyAlert, error)
	Statistics(ctx context.Context, req StatisticsRequest) (Statistics, error)
}

type ReportFilter struct {
	AfterID snowflake.ID
	Limit   int
}

type AlertFilter struct {
	Resolved *bool
	Severity Severity
	AfterID  snowflake.ID
	Limit    int
}

type Repository interface {
	InsertReport(ctx context.Context, db *gorm.DB, report *Report) error
	FindReport(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Report, error)
	ListReports(ctx context.Context, db *gorm.DB, filter ReportFilter) ([]Report, error)
	ListReportsGeneratedBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Report, error)

	InsertAlerts(ctx context.Context, db *gorm.DB, alerts []DiscrepancyAlert) error
	FindAlertForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*DiscrepancyAlert, error)
	ListAlerts(ctx context.Context, db *gorm.DB, filter AlertFilter) ([]DiscrepancyAlert, error)
	UpdateAlert(ctx context.Context, tx *gorm.DB, id snowflake.ID, fields map[string]any) error
	CountOpenAlerts(ctx context.Context, db *gorm.DB) (map[Severity]int64, error)
}

var (
	ErrInvalidReportID      = apperror.Invalid("invalid_report_id", "report id is not valid")
	ErrInvalidAlertID       = apperror.Invalid("invalid_alert_id", "alert id is not valid")
	ErrInvalidPeriod        = apperror.Invalid("invalid_period", "period_start must be before period_end")
	ErrInvalidExportFormat  = apperror.Invalid("invalid_export_format", "format must be csv, json or pdf")
	ErrInvalidSeverity      = apperror.Invalid("invalid_severity", "severity must be LOW, MEDIUM, HIGH or CRITICAL")
	ErrInvalidPageToken     = apperror.Invalid("invalid_page_token", "page token is not valid")
	ErrReportNotFound       = apperror.NotFound("report_not_found", "reconciliation report not found")
	ErrAlertNotFound        = apperror.NotFound("alert_not_found", "discrepancy alert not found")
	ErrAlertAlreadyResolved = apperror.Invalid("alert_already_resolved", "discrepancy alert is already resolved")
	ErrPaymentNotFound      = paymentdomain.ErrPaymentNotFound
)
