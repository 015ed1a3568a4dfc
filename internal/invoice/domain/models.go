// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents invoice lifecycle states. Only the status
// projector moves an issued invoice between UNPAID, PARTIALLY_PAID and PAID.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusUnpaid        InvoiceStatus = "UNPAID"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusCancelled     InvoiceStatus = "CANCELLED"
)

type ItemKind string

const (
	ItemKindBillingNode ItemKind = "billing_node"
	ItemKindTimeEntry   ItemKind = "time_entry"
	ItemKindExpense     ItemKind = "expense"
)

// Invoice represents a generated invoice.
type Invoice struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	CaseID        snowflake.ID    `gorm:"not null;index" json:"case_id"`
	ClientID      snowflake.ID    `gorm:"not null;index" json:"client_id"`
	BillingNodeID *snowflake.ID   `gorm:"uniqueIndex:ux_invoices_billing_node" json:"billing_node_id,omitempty"`
	Number        string          `gorm:"type:text;not null;uniqueIndex:ux_invoices_number" json:"number"`
	Period        string          `gorm:"type:text;not null;uniqueIndex:ux_invoices_period_sequence" json:"period"`
	Sequence      int64           `gorm:"not null;uniqueIndex:ux_invoices_period_sequence" json:"sequence"`
	Status        InvoiceStatus   `gorm:"type:text;not null;index" json:"status"`
	Subtotal      decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"subtotal"`
	TaxRate       decimal.Decimal `gorm:"type:numeric(9,6);not null" json:"tax_rate"`
	TaxAmount     decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"tax_amount"`
	Total         decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"total"`
	AmountPaid    decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0" json:"amount_paid"`
	Currency      string          `gorm:"type:text;not null" json:"currency"`
	IssuedAt      time.Time       `gorm:"not null" json:"issued_at"`
	DueAt         time.Time       `gorm:"not null" json:"due_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null" json:"updated_at"`

	Items []InvoiceItem `gorm:"foreignKey:InvoiceID" json:"items,omitempty"`

	// LateFee is derived on read for overdue invoices; never stored.
	LateFee *decimal.Decimal `gorm:"-" json:"late_fee,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Outstanding is what is left to pay, never negative.
func (i Invoice) Outstanding() decimal.Decimal {
	remaining := i.Total.Sub(i.AmountPaid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// InvoiceItem represents a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Kind        ItemKind        `gorm:"type:text;not null" json:"kind"`
	SourceID    snowflake.ID    `gorm:"not null" json:"source_id"`
	Description string          `gorm:"type:text" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"quantity"`
	UnitAmount  decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"unit_amount"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Position    int             `gorm:"not null" json:"position"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// TimeEntry is billable work logged against a case. Billed flips to true
// once, in the transaction that creates the consuming invoice.
type TimeEntry struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	CaseID      snowflake.ID    `gorm:"not null;index:idx_time_entries_case_billed" json:"case_id"`
	Description string          `gorm:"type:text" json:"description"`
	Hours       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"hours"`
	Rate        decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"rate"`
	Currency    string          `gorm:"type:text;not null" json:"currency"`
	Billed      bool            `gorm:"not null;default:false;index:idx_time_entries_case_billed" json:"billed"`
	InvoiceID   *snowflake.ID   `gorm:"index" json:"invoice_id,omitempty"`
	WorkedAt    time.Time       `gorm:"not null" json:"worked_at"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
}

func (TimeEntry) TableName() string { return "time_entries" }

func (e TimeEntry) Amount() decimal.Decimal {
	return e.Hours.Mul(e.Rate).Round(2)
}

type Expense struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	CaseID      snowflake.ID    `gorm:"not null;index:idx_expenses_case_billed" json:"case_id"`
	Description string          `gorm:"type:text" json:"description"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Currency    string          `gorm:"type:text;not null" json:"currency"`
	Billable    bool            `gorm:"not null" json:"billable"`
	Billed      bool            `gorm:"not null;default:false;index:idx_expenses_case_billed" json:"billed"`
	InvoiceID   *snowflake.ID   `gorm:"index" json:"invoice_id,omitempty"`
	IncurredAt  time.Time       `gorm:"not null" json:"incurred_at"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
}

func (Expense) TableName() string { return "expenses" }

// InvoiceSequence is the per-month counter behind invoice numbers.
type InvoiceSequence struct {
	Period    string `gorm:"primaryKey;type:text"`
	LastValue int64  `gorm:"not null;default:0"`
}

func (InvoiceSequence) TableName() string { return "invoice_sequences" }
