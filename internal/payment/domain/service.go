package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"gorm.io/gorm"
)

type CreatePaymentRequest struct {
	InvoiceID     string          `json:"invoice_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Status        string          `json:"status,omitempty"`
}

type SchedulePaymentRequest struct {
	CreatePaymentRequest
	ScheduledFor time.Time `json:"scheduled_for"`
}

type RefundRequest struct {
	PaymentID string           `json:"-"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

type StatisticsRequest struct {
	From time.Time
	To   time.Time
}

type StatusBucket struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type Statistics struct {
	From           time.Time               `json:"from"`
	To             time.Time               `json:"to"`
	TotalCount     int64                   `json:"total_count"`
	TotalAmount    decimal.Decimal         `json:"total_amount"`
	RefundedAmount decimal.Decimal         `json:"refunded_amount"`
	ByStatus       map[Status]StatusBucket `json:"by_status"`
	ByMethod       map[string]StatusBucket `json:"by_method"`
}

// Transition is one status change applied to a payment.
type Transition struct {
	To           Status
	Source       string
	ReconciledAt *time.Time
}

type Service interface {
	Create(ctx context.Context, req CreatePaymentRequest) (Payment, error)
	Get(ctx context.Context, id string) (Payment, error)
	Cancel(ctx context.Context, id, reason string) (Payment, error)
	Refund(ctx context.Context, req RefundRequest) (Payment, error)
	Schedule(ctx context.Context, req SchedulePaymentRequest) (Payment, error)
	ProcessWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
	Statistics(ctx context.Context, req StatisticsRequest) (Statistics, error)

	// ApplyTransition writes a status change inside tx and re-projects the
	// owning invoice when money settled or was returned.
	ApplyTransition(ctx context.Context, tx *gorm.DB, payment *Payment, t Transition) error
	// InvalidateStatistics drops cached statistics. Call it after the
	// transaction that changed payments has committed.
	InvalidateStatistics()
}

type SweepFilter struct {
	CreatedSince     time.Time
	ReconciledBefore time.Time
	Limit            int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByGatewayReference(ctx context.Context, db *gorm.DB, method, reference string) (*Payment, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Payment, error)
	ListInWindow(ctx context.Context, db *gorm.DB, from, to time.Time, methods []string) ([]Payment, error)
	ListDueForReconciliation(ctx context.Context, db *gorm.DB, filter SweepFilter) ([]Payment, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id snowflake.ID, fields map[string]any) error
	InsertEvent(ctx context.Context, tx *gorm.DB, event *EventRecord) (bool, error)
	MarkEventProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error
}

var (
	ErrInvalidPaymentID      = apperror.Invalid("invalid_payment_id", "payment id is not valid")
	ErrPaymentNotFound       = apperror.NotFound("payment_not_found", "payment not found")
	ErrInvoiceNotFound       = apperror.NotFound("invoice_not_found", "invoice not found")
	ErrInvoiceNotPayable     = apperror.Invalid("invoice_not_payable", "invoice is cancelled")
	ErrCurrencyMismatch      = apperror.Invalid("currency_mismatch", "payment currency differs from the invoice currency")
	ErrPaymentNotCancellable = apperror.Invalid("payment_not_cancellable", "only pending payments can be cancelled")
	ErrPaymentNotRefundable  = apperror.Invalid("payment_not_refundable", "only completed payments can be refunded")
	ErrRefundExceedsPaid     = apperror.Invalid("refund_exceeds_paid", "refund amount exceeds what is left on the payment")
	ErrScheduleInPast        = apperror.Invalid("schedule_in_past", "scheduled date must be in the future")
	ErrInvalidTimeRange      = apperror.Invalid("invalid_time_range", "from must be before to")
	ErrUnknownTransaction    = apperror.NotFound("transaction_not_found", "no payment matches the gateway transaction")
)
