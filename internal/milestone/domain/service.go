package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"gorm.io/gorm"
)

type MilestoneInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Order       int             `json:"order"`
	Amount      decimal.Decimal `json:"amount"`
	// Phase may name a different phase than the batch; that is reported as a
	// warning and the node is still created under the batch phase.
	Phase string `json:"phase,omitempty"`
}

type CreateMilestonesRequest struct {
	CaseID       string           `json:"-"`
	ClientID     string           `json:"client_id"`
	CaseType     string           `json:"case_type"`
	Phase        string           `json:"phase"`
	Currency     string           `json:"currency"`
	Jurisdiction string           `json:"jurisdiction,omitempty"`
	Milestones   []MilestoneInput `json:"milestones"`
}

type CreateMilestonesResponse struct {
	Nodes    []BillingNode `json:"nodes"`
	Warnings []string      `json:"warnings"`
}

type CompleteMilestoneRequest struct {
	NodeID          string     `json:"-"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	GenerateInvoice bool       `json:"generate_invoice"`
}

// InvoiceRef is the slice of a generated invoice the tracker reports back.
type InvoiceRef struct {
	ID     snowflake.ID    `json:"id"`
	Number string          `json:"number"`
	Total  decimal.Decimal `json:"total"`
}

type CompleteMilestoneResponse struct {
	Node         BillingNode   `json:"node"`
	Invoice      *InvoiceRef   `json:"invoice,omitempty"`
	InvoiceError string        `json:"invoice_error,omitempty"`
	NextPending  []BillingNode `json:"next_pending"`
}

type Progress struct {
	CaseID         snowflake.ID    `json:"case_id"`
	TotalNodes     int             `json:"total_nodes"`
	CompletedNodes int             `json:"completed_nodes"`
	Percentage     decimal.Decimal `json:"percentage"`
	NextMilestone  *BillingNode    `json:"next_milestone,omitempty"`
}

type Service interface {
	CreateMilestones(ctx context.Context, req CreateMilestonesRequest) (CreateMilestonesResponse, error)
	CompleteMilestone(ctx context.Context, req CompleteMilestoneRequest) (CompleteMilestoneResponse, error)
	GetProgress(ctx context.Context, caseID string) (Progress, error)
	ListMilestones(ctx context.Context, caseID string) ([]BillingNode, error)
}

type Repository interface {
	InsertNodes(ctx context.Context, tx *gorm.DB, nodes []BillingNode) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingNode, error)
	FindForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*BillingNode, error)
	ListByCase(ctx context.Context, db *gorm.DB, caseID snowflake.ID) ([]BillingNode, error)
	ListPendingAfter(ctx context.Context, db *gorm.DB, caseID snowflake.ID, phase string, order int) ([]BillingNode, error)
	Complete(ctx context.Context, tx *gorm.DB, id snowflake.ID, completedAt time.Time, notes string) (int64, error)
	AttachInvoice(ctx context.Context, tx *gorm.DB, id, invoiceID snowflake.ID) (int64, error)
	ListUninvoicedCompleted(ctx context.Context, db *gorm.DB, caseID snowflake.ID) ([]BillingNode, error)
	CasesWithUninvoiced(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error)
}

// Validation codes for milestone input.
const (
	CodeRequired        = "required"
	CodeInvalid         = "invalid"
	CodeMustBePositive  = "must_be_positive"
	CodeDuplicateOrder  = "duplicate_order"
	CodePhaseNotAllowed = "phase_not_allowed"
)

var (
	ErrInvalidNodeID    = apperror.Invalid("invalid_billing_node_id", "billing node id is not valid")
	ErrInvalidCaseID    = apperror.Invalid("invalid_case_id", "case id is not valid")
	ErrNodeNotFound     = apperror.NotFound("billing_node_not_found", "billing node not found")
	ErrAlreadyCompleted = apperror.Invalid("billing_node_already_completed", "billing node is already completed")
	ErrNodeInactive     = apperror.Invalid("billing_node_inactive", "billing node is not active")
)
