package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	auditdomain "github.com/smallbiznis/lexbill/internal/audit/domain"
	"github.com/smallbiznis/lexbill/internal/cache"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/config"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	milestonedomain "github.com/smallbiznis/lexbill/internal/milestone/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const progressTTL = 5 * time.Minute

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Rules     *config.BillingRulesHolder
	Repo      milestonedomain.Repository
	Assembler invoicedomain.Assembler `optional:"true"`
	AuditSvc  auditdomain.Service     `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	rules     *config.BillingRulesHolder
	repo      milestonedomain.Repository
	assembler invoicedomain.Assembler
	auditSvc  auditdomain.Service
	progress  cache.Cache[snowflake.ID, milestonedomain.Progress]
}

func NewService(p Params) milestonedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("milestone.service"),
		genID:     p.GenID,
		clock:     clk,
		rules:     p.Rules,
		repo:      p.Repo,
		assembler: p.Assembler,
		auditSvc:  p.AuditSvc,
		progress:  cache.NewTTLCache[snowflake.ID, milestonedomain.Progress](clk),
	}
}

func (s *Service) CreateMilestones(ctx context.Context, req milestonedomain.CreateMilestonesRequest) (milestonedomain.CreateMilestonesResponse, error) {
	caseID, err := parseID(req.CaseID, milestonedomain.ErrInvalidCaseID)
	if err != nil {
		return milestonedomain.CreateMilestonesResponse{}, err
	}
	clientID, err := snowflake.ParseString(strings.TrimSpace(req.ClientID))
	if err != nil || clientID == 0 {
		return milestonedomain.CreateMilestonesResponse{}, apperror.Validation("client_id", milestonedomain.CodeInvalid, "client_id is not valid")
	}
	caseType := strings.ToLower(strings.TrimSpace(req.CaseType))
	if caseType == "" {
		return milestonedomain.CreateMilestonesResponse{}, apperror.Validation("case_type", milestonedomain.CodeRequired, "case_type is required")
	}
	phase := strings.ToLower(strings.TrimSpace(req.Phase))
	if phase == "" {
		return milestonedomain.CreateMilestonesResponse{}, apperror.Validation("phase", milestonedomain.CodeRequired, "phase is required")
	}
	if s.rules.Get().PhasePosition(caseType, phase) < 0 {
		return milestonedomain.CreateMilestonesResponse{}, apperror.Validation("phase", milestonedomain.CodePhaseNotAllowed,
			fmt.Sprintf("phase %q is not allowed for case type %q", phase, caseType))
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return milestonedomain.CreateMilestonesResponse{}, apperror.Validation("currency", milestonedomain.CodeRequired, "currency is required")
	}
	if len(req.Milestones) == 0 {
		return milestonedomain.CreateMilestonesResponse{}, apperror.Validation("milestones", milestonedomain.CodeRequired, "at least one milestone is required")
	}

	warnings := []string{}
	seen := make(map[int]struct{}, len(req.Milestones))
	for i, input := range req.Milestones {
		field := fmt.Sprintf("milestones[%d]", i)
		if strings.TrimSpace(input.Name) == "" {
			return milestonedomain.CreateMilestonesResponse{}, apperror.Validation(field+".name", milestonedomain.CodeRequired, "name is required")
		}
		if input.Order < 0 {
			return milestonedomain.CreateMilestonesResponse{}, apperror.Validation(field+".order", milestonedomain.CodeInvalid, "order must not be negative")
		}
		// a node with no charge could never be invoiced
		if !input.Amount.Round(2).IsPositive() {
			return milestonedomain.CreateMilestonesResponse{}, apperror.Validation(field+".amount", milestonedomain.CodeMustBePositive, "amount must be greater than zero")
		}
		if _, dup := seen[input.Order]; dup {
			return milestonedomain.CreateMilestonesResponse{}, apperror.Validation(field+".order", milestonedomain.CodeDuplicateOrder,
				fmt.Sprintf("order %d appears more than once", input.Order))
		}
		seen[input.Order] = struct{}{}

		if other := strings.ToLower(strings.TrimSpace(input.Phase)); other != "" && other != phase {
			warnings = append(warnings, fmt.Sprintf("milestone %q names phase %q; it was created under %q", input.Name, other, phase))
		}
	}

	now := s.clock.Now().UTC()
	nodes := make([]milestonedomain.BillingNode, 0, len(req.Milestones))
	for _, input := range req.Milestones {
		nodes = append(nodes, milestonedomain.BillingNode{
			ID:           s.genID.Generate(),
			CaseID:       caseID,
			ClientID:     clientID,
			CaseType:     caseType,
			Phase:        phase,
			Order:        input.Order,
			Name:         strings.TrimSpace(input.Name),
			Description:  strings.TrimSpace(input.Description),
			Amount:       input.Amount.Round(2),
			Currency:     currency,
			Jurisdiction: strings.ToLower(strings.TrimSpace(req.Jurisdiction)),
			Status:       milestonedomain.NodeStatusPending,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.ListByCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		for _, node := range existing {
			if node.Phase != phase {
				continue
			}
			if _, dup := seen[node.Order]; dup {
				return apperror.Validation("milestones.order", milestonedomain.CodeDuplicateOrder,
					fmt.Sprintf("order %d already exists in phase %q", node.Order, phase))
			}
		}
		return s.repo.InsertNodes(ctx, tx, nodes)
	})
	if err != nil {
		return milestonedomain.CreateMilestonesResponse{}, err
	}

	s.progress.Invalidate(caseID)
	s.audit(ctx, "milestone.created", caseID.String(), map[string]any{
		"phase": phase,
		"count": len(nodes),
	})
	return milestonedomain.CreateMilestonesResponse{Nodes: nodes, Warnings: warnings}, nil
}

// CompleteMilestone commits the completion before any invoice is attempted,
// so an invoicing failure is reported without undoing the completion.
func (s *Service) CompleteMilestone(ctx context.Context, req milestonedomain.CompleteMilestoneRequest) (milestonedomain.CompleteMilestoneResponse, error) {
	nodeID, err := parseID(req.NodeID, milestonedomain.ErrInvalidNodeID)
	if err != nil {
		return milestonedomain.CompleteMilestoneResponse{}, err
	}
	completedAt := s.clock.Now().UTC()
	if req.CompletedAt != nil && !req.CompletedAt.IsZero() {
		completedAt = req.CompletedAt.UTC()
	}
	notes := strings.TrimSpace(req.Notes)

	var node milestonedomain.BillingNode
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindForUpdate(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if current == nil {
			return milestonedomain.ErrNodeNotFound
		}
		if !current.Active {
			return milestonedomain.ErrNodeInactive
		}
		if current.Status == milestonedomain.NodeStatusCompleted {
			return milestonedomain.ErrAlreadyCompleted
		}
		updated, err := s.repo.Complete(ctx, tx, nodeID, completedAt, notes)
		if err != nil {
			return err
		}
		if updated != 1 {
			return milestonedomain.ErrAlreadyCompleted
		}
		current.Status = milestonedomain.NodeStatusCompleted
		current.CompletedAt = &completedAt
		current.Notes = notes
		node = *current
		return nil
	})
	if err != nil {
		return milestonedomain.CompleteMilestoneResponse{}, err
	}
	s.progress.Invalidate(node.CaseID)
	s.audit(ctx, "milestone.completed", node.ID.String(), map[string]any{
		"case_id": node.CaseID.String(),
		"phase":   node.Phase,
		"order":   node.Order,
	})

	resp := milestonedomain.CompleteMilestoneResponse{}
	if req.GenerateInvoice {
		if s.assembler == nil {
			resp.InvoiceError = "invoice generation is not available"
		} else if invoice, err := s.assembler.GenerateInvoiceForMilestone(ctx, node.ID); err != nil {
			s.log.Warn("invoice generation after completion failed",
				zap.String("billing_node_id", node.ID.String()),
				zap.Error(err),
			)
			resp.InvoiceError = err.Error()
		} else {
			resp.Invoice = &milestonedomain.InvoiceRef{ID: invoice.ID, Number: invoice.Number, Total: invoice.Total}
			invoiceID := invoice.ID
			node.InvoiceID = &invoiceID
		}
	}

	next, err := s.repo.ListPendingAfter(ctx, s.db, node.CaseID, node.Phase, node.Order)
	if err != nil {
		return milestonedomain.CompleteMilestoneResponse{}, err
	}
	resp.Node = node
	resp.NextPending = next
	return resp, nil
}

func (s *Service) GetProgress(ctx context.Context, caseID string) (milestonedomain.Progress, error) {
	id, err := parseID(caseID, milestonedomain.ErrInvalidCaseID)
	if err != nil {
		return milestonedomain.Progress{}, err
	}
	if cached, ok := s.progress.Get(id); ok {
		return cached, nil
	}

	nodes, err := s.listOrdered(ctx, id)
	if err != nil {
		return milestonedomain.Progress{}, err
	}

	progress := milestonedomain.Progress{CaseID: id, Percentage: decimal.Zero}
	for i := range nodes {
		node := nodes[i]
		if !node.Active {
			continue
		}
		progress.TotalNodes++
		switch node.Status {
		case milestonedomain.NodeStatusCompleted:
			progress.CompletedNodes++
		case milestonedomain.NodeStatusPending:
			if progress.NextMilestone == nil {
				progress.NextMilestone = &node
			}
		}
	}
	if progress.TotalNodes > 0 {
		progress.Percentage = decimal.NewFromInt(int64(progress.CompletedNodes)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(progress.TotalNodes))).
			Round(2)
	}

	s.progress.Set(id, progress, progressTTL)
	return progress, nil
}

func (s *Service) ListMilestones(ctx context.Context, caseID string) ([]milestonedomain.BillingNode, error) {
	id, err := parseID(caseID, milestonedomain.ErrInvalidCaseID)
	if err != nil {
		return nil, err
	}
	return s.listOrdered(ctx, id)
}

// listOrdered sorts nodes by the lifecycle position of their phase, then by
// order. Phases missing from the table sort last.
func (s *Service) listOrdered(ctx context.Context, caseID snowflake.ID) ([]milestonedomain.BillingNode, error) {
	nodes, err := s.repo.ListByCase(ctx, s.db, caseID)
	if err != nil {
		return nil, err
	}
	rules := s.rules.Get()
	position := func(node milestonedomain.BillingNode) int {
		if pos := rules.PhasePosition(node.CaseType, node.Phase); pos >= 0 {
			return pos
		}
		return len(rules.PhasesFor(node.CaseType)) + 1
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		pi, pj := position(nodes[i]), position(nodes[j])
		if pi != pj {
			return pi < pj
		}
		return nodes[i].Order < nodes[j].Order
	})
	return nodes, nil
}

func (s *Service) audit(ctx context.Context, action, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, action, "billing_node", targetID, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func parseID(raw string, invalid error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, invalid
	}
	return id, nil
}
