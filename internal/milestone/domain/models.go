package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
)

// BillingNode is a payable milestone within a case phase. It moves from
// PENDING to COMPLETED once and references at most one invoice.
type BillingNode struct {
	ID           snowflake.ID    `gorm:"primaryKey" json:"id"`
	CaseID       snowflake.ID    `gorm:"not null;uniqueIndex:ux_billing_nodes_case_phase_order" json:"case_id"`
	ClientID     snowflake.ID    `gorm:"not null;index" json:"client_id"`
	CaseType     string          `gorm:"type:text;not null" json:"case_type"`
	Phase        string          `gorm:"type:text;not null;uniqueIndex:ux_billing_nodes_case_phase_order" json:"phase"`
	Order        int             `gorm:"column:position;not null;uniqueIndex:ux_billing_nodes_case_phase_order" json:"order"`
	Name         string          `gorm:"type:text;not null" json:"name"`
	Description  string          `gorm:"type:text" json:"description,omitempty"`
	Amount       decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Currency     string          `gorm:"type:text;not null" json:"currency"`
	Jurisdiction string          `gorm:"type:text" json:"jurisdiction,omitempty"`
	Status       NodeStatus      `gorm:"type:text;not null;index" json:"status"`
	Active       bool            `gorm:"not null" json:"active"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Notes        string          `gorm:"type:text" json:"notes,omitempty"`
	InvoiceID    *snowflake.ID   `gorm:"uniqueIndex:ux_billing_nodes_invoice" json:"invoice_id,omitempty"`
	CreatedAt    time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"not null" json:"updated_at"`
}

func (BillingNode) TableName() string { return "billing_nodes" }

func (n BillingNode) Invoiced() bool {
	return n.InvoiceID != nil && *n.InvoiceID != 0
}
