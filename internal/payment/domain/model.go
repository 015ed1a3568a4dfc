package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return s, true
	default:
		return "", false
	}
}

// Payment is a locally recorded payment against an invoice. Its status is
// periodically verified against the gateway.
type Payment struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID        snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Currency         string          `gorm:"type:text;not null" json:"currency"`
	Method           string          `gorm:"type:text;not null;index" json:"method"`
	Status           Status          `gorm:"type:text;not null;index" json:"status"`
	TransactionID    string          `gorm:"type:text;index" json:"transaction_id,omitempty"`
	Reference        string          `gorm:"type:text;index" json:"reference,omitempty"`
	ScheduledFor     *time.Time      `json:"scheduled_for,omitempty"`
	RefundedAmount   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"refunded_amount"`
	LastReconciledAt *time.Time      `gorm:"index" json:"last_reconciled_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `gorm:"not null;index" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// GatewayReference is what the gateway knows the payment by: the
// transaction id when one was recorded, otherwise the reference.
func (p Payment) GatewayReference() string {
	if ref := strings.TrimSpace(p.TransactionID); ref != "" {
		return ref
	}
	return strings.TrimSpace(p.Reference)
}

// NetPaid is the settled amount after refunds. Only COMPLETED payments count.
func (p Payment) NetPaid() decimal.Decimal {
	if p.Status != StatusCompleted {
		return decimal.Zero
	}
	net := p.Amount.Sub(p.RefundedAmount)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// EventRecord dedupes gateway webhooks by provider event id.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	TransactionID   string         `json:"transaction_id" gorm:"type:text;index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypePaymentCancelled = "payment_cancelled"
	EventTypeRefunded         = "refunded"
)

// GatewayEvent is the canonical webhook event parsed by adapters.
type GatewayEvent struct {
	Provider        string
	ProviderEventID string
	TransactionID   string
	Type            string
	Status          Status
	Amount          decimal.Decimal
	Currency        string
	OccurredAt      time.Time
	RawPayload      []byte
}

// LockKey is the lock every writer of a payment's status takes.
func LockKey(id snowflake.ID) string {
	return "payment:" + id.String()
}

// StatusChanged is published after a status transition commits.
type StatusChanged struct {
	PaymentID snowflake.ID `json:"payment_id"`
	InvoiceID snowflake.ID `json:"invoice_id"`
	Method    string       `json:"method"`
	From      Status       `json:"from"`
	To        Status       `json:"to"`
	Source    string       `json:"source"`
	ChangedAt time.Time    `json:"changed_at"`
}
