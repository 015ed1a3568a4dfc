package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func ParseSeverity(raw string) (Severity, bool) {
	switch s := Severity(raw); s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return s, true
	default:
		return "", false
	}
}

type DiscrepancyType string

const (
	DiscrepancyStatusMismatch      DiscrepancyType = "STATUS_MISMATCH"
	DiscrepancyReconciliationError DiscrepancyType = "RECONCILIATION_ERROR"
)

// PaymentEntry is a payment as it stood when the run classified it.
type PaymentEntry struct {
	PaymentID     snowflake.ID         `json:"payment_id"`
	InvoiceID     snowflake.ID         `json:"invoice_id"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	Method        string               `json:"method"`
	Status        paymentdomain.Status `json:"status"`
	GatewayStatus paymentdomain.Status `json:"gateway_status,omitempty"`
	Reference     string               `json:"reference,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

type Discrepancy struct {
	PaymentID     snowflake.ID         `json:"payment_id"`
	InvoiceID     snowflake.ID         `json:"invoice_id"`
	Method        string               `json:"method"`
	Reference     string               `json:"reference,omitempty"`
	Type          DiscrepancyType      `json:"type"`
	Severity      Severity             `json:"severity"`
	LocalStatus   paymentdomain.Status `json:"local_status"`
	GatewayStatus paymentdomain.Status `json:"gateway_status,omitempty"`
	Description   string               `json:"description"`
	Corrected     bool                 `json:"corrected"`
	DetectedAt    time.Time            `json:"detected_at"`
}

type Summary struct {
	TotalPayments    int             `json:"total_payments"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	MatchedCount     int             `json:"matched_count"`
	MatchedAmount    decimal.Decimal `json:"matched_amount"`
	UnmatchedCount   int             `json:"unmatched_count"`
	UnmatchedAmount  decimal.Decimal `json:"unmatched_amount"`
	DiscrepancyCount int             `json:"discrepancy_count"`
	CorrectedCount   int             `json:"corrected_count"`
}

// Report is the immutable record of one reconciliation run.
type Report struct {
	ID            snowflake.ID                      `gorm:"primaryKey" json:"id"`
	PeriodStart   time.Time                         `gorm:"not null;index" json:"period_start"`
	PeriodEnd     time.Time                         `gorm:"not null" json:"period_end"`
	Methods       datatypes.JSONSlice[string]       `gorm:"type:jsonb" json:"methods"`
	AutoMatch     bool                              `gorm:"not null" json:"auto_match"`
	Summary       datatypes.JSONType[Summary]       `gorm:"type:jsonb;not null" json:"summary"`
	Matched       datatypes.JSONSlice[PaymentEntry] `gorm:"type:jsonb;not null" json:"matched_payments"`
	Unmatched     datatypes.JSONSlice[PaymentEntry] `gorm:"type:jsonb;not null" json:"unmatched_payments"`
	Discrepancies datatypes.JSONSlice[Discrepancy]  `gorm:"type:jsonb;not null" json:"discrepancies"`
	GeneratedAt   time.Time                         `gorm:"not null;index" json:"generated_at"`
}

func (Report) TableName() string { return "reconciliation_reports" }

// DiscrepancyAlert is raised once per discrepancy and resolved once by a
// person.
type DiscrepancyAlert struct {
	ID              snowflake.ID         `gorm:"primaryKey" json:"id"`
	ReportID        *snowflake.ID        `gorm:"index" json:"report_id,omitempty"`
	PaymentID       snowflake.ID         `gorm:"not null;index" json:"payment_id"`
	Reference       string               `gorm:"type:text" json:"reference,omitempty"`
	Severity        Severity             `gorm:"type:text;not null;index" json:"severity"`
	Type            DiscrepancyType      `gorm:"type:text;not null" json:"type"`
	LocalStatus     paymentdomain.Status `gorm:"type:text;not null" json:"local_status"`
	GatewayStatus   paymentdomain.Status `gorm:"type:text" json:"gateway_status,omitempty"`
	Description     string               `gorm:"type:text;not null" json:"description"`
	DetectedAt      time.Time            `gorm:"not null" json:"detected_at"`
	Resolved        bool                 `gorm:"not null;index" json:"resolved"`
	ResolvedBy      *string              `gorm:"type:text" json:"resolved_by,omitempty"`
	ResolutionNotes *string              `gorm:"type:text" json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
}

func (DiscrepancyAlert) TableName() string { return "discrepancy_alerts" }
