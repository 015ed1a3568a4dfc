package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"github.com/smallbiznis/lexbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListInvoiceRequest struct {
	pagination.Pagination
	CaseID string
	Status string
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type RecordTimeEntryRequest struct {
	CaseID      string          `json:"-"`
	Description string          `json:"description"`
	Hours       decimal.Decimal `json:"hours"`
	Rate        decimal.Decimal `json:"rate"`
	Currency    string          `json:"currency"`
	WorkedAt    *time.Time      `json:"worked_at,omitempty"`
}

type RecordExpenseRequest struct {
	CaseID      string          `json:"-"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Billable    *bool           `json:"billable,omitempty"`
	IncurredAt  *time.Time      `json:"incurred_at,omitempty"`
}

// AutoGenerateResult lists the outcome per milestone of a batch pass.
type AutoGenerateResult struct {
	CaseID    snowflake.ID       `json:"case_id"`
	Generated []Invoice          `json:"generated"`
	Failed    []AutoGenerateFail `json:"failed"`
}

type AutoGenerateFail struct {
	BillingNodeID snowflake.ID `json:"billing_node_id"`
	Code          string       `json:"code"`
	Message       string       `json:"message"`
}

// Generated is published after an invoice commits.
type Generated struct {
	InvoiceID     snowflake.ID    `json:"invoice_id"`
	Number        string          `json:"number"`
	CaseID        snowflake.ID    `json:"case_id"`
	ClientID      snowflake.ID    `json:"client_id"`
	BillingNodeID *snowflake.ID   `json:"billing_node_id,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	DueAt         time.Time       `json:"due_at"`
	Source        string          `json:"source"`
}

// Assembler builds invoices from completed milestones and unbilled work.
type Assembler interface {
	GenerateInvoiceForMilestone(ctx context.Context, nodeID snowflake.ID) (Invoice, error)
	AutoGenerateInvoices(ctx context.Context, caseID snowflake.ID) (AutoGenerateResult, error)
}

type Service interface {
	Assembler

	GetInvoice(ctx context.Context, id string) (Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	CancelInvoice(ctx context.Context, id, reason string) (Invoice, error)
	RecordTimeEntry(ctx context.Context, req RecordTimeEntryRequest) (TimeEntry, error)
	RecordExpense(ctx context.Context, req RecordExpenseRequest) (Expense, error)
}

// StatusProjector recomputes an invoice's payment status inside tx.
type StatusProjector interface {
	Recompute(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (Invoice, error)
}

type ListFilter struct {
	CaseID  snowflake.ID
	Status  InvoiceStatus
	AfterID snowflake.ID
	Limit   int
}

// Repository persists invoices and the billable work they consume. Every
// method takes the handle to run on so callers control the transaction.
type Repository interface {
	NextSequence(ctx context.Context, tx *gorm.DB, period string) (int64, error)
	Insert(ctx context.Context, tx *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Invoice, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id snowflake.ID, fields map[string]any) error

	InsertTimeEntry(ctx context.Context, db *gorm.DB, entry *TimeEntry) error
	InsertExpense(ctx context.Context, db *gorm.DB, expense *Expense) error
	UnbilledTimeEntries(ctx context.Context, tx *gorm.DB, caseID snowflake.ID, currency string) ([]TimeEntry, error)
	UnbilledExpenses(ctx context.Context, tx *gorm.DB, caseID snowflake.ID, currency string) ([]Expense, error)
	MarkTimeEntriesBilled(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID) (int64, error)
	MarkExpensesBilled(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID) (int64, error)
}

var (
	ErrInvalidInvoiceID      = apperror.Invalid("invalid_invoice_id", "invoice id is not valid")
	ErrInvalidCaseID         = apperror.Invalid("invalid_case_id", "case id is not valid")
	ErrInvalidStatus         = apperror.Invalid("invalid_invoice_status", "unknown invoice status")
	ErrInvalidPageToken      = apperror.Invalid("invalid_page_token", "page token is not valid")
	ErrInvoiceNotFound       = apperror.NotFound("invoice_not_found", "invoice not found")
	ErrNodeNotCompleted      = apperror.Invalid("billing_node_not_completed", "billing node must be completed before it is invoiced")
	ErrNodeAmountInvalid     = apperror.Invalid("billing_node_amount_invalid", "billing node amount must be positive")
	ErrInvoiceNotCancellable = apperror.Invalid("invoice_not_cancellable", "invoice has completed payments or is already cancelled")

	// ErrAlreadyInvoiced guards the one-invoice-per-milestone rule.
	ErrAlreadyInvoiced = apperror.Conflict("already_invoiced", "billing node already references an invoice")
	// ErrBilledMismatch means a time entry or expense was billed concurrently.
	ErrBilledMismatch = apperror.Conflict("billed_mismatch", "billable items changed while the invoice was assembled")
)
