package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	auditdomain "github.com/smallbiznis/lexbill/internal/audit/domain"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/events"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	"github.com/smallbiznis/lexbill/internal/invoice/format"
	milestonedomain "github.com/smallbiznis/lexbill/internal/milestone/domain"
	obsmetrics "github.com/smallbiznis/lexbill/internal/observability/metrics"
	"github.com/smallbiznis/lexbill/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"github.com/smallbiznis/lexbill/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	SourceMilestone = "milestone"
	SourceAuto      = "auto"

	lateFeePeriod = 30 * 24 * time.Hour
)

var tracer = otel.Tracer("lexbill/invoice")

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Rules       *config.BillingRulesHolder
	Repo        invoicedomain.Repository
	NodeRepo    milestonedomain.Repository
	PaymentRepo paymentdomain.Repository
	AuditSvc    auditdomain.Service
	Publisher   events.Publisher
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	rules       *config.BillingRulesHolder
	repo        invoicedomain.Repository
	nodeRepo    milestonedomain.Repository
	paymentRepo paymentdomain.Repository
	auditSvc    auditdomain.Service
	publisher   events.Publisher
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,

		clock:       clk,
		rules:       p.Rules,
		repo:        p.Repo,
		nodeRepo:    p.NodeRepo,
		paymentRepo: p.PaymentRepo,
		auditSvc:    p.AuditSvc,
		publisher:   publisher,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) GenerateInvoiceForMilestone(ctx context.Context, nodeID snowflake.ID) (invoicedomain.Invoice, error) {
	return s.generate(ctx, nodeID, SourceMilestone)
}

// AutoGenerateInvoices invoices every completed, uninvoiced milestone of a
// case. A failing milestone is reported in Failed and the rest still run;
// the error is only set for an invalid case id or when the milestones could
// not be listed.
func (s *Service) AutoGenerateInvoices(ctx context.Context, caseID snowflake.ID) (invoicedomain.AutoGenerateResult, error) {
	if caseID == 0 {
		return invoicedomain.AutoGenerateResult{}, invoicedomain.ErrInvalidCaseID
	}
	nodes, err := s.nodeRepo.ListUninvoicedCompleted(ctx, s.db, caseID)
	if err != nil {
		return invoicedomain.AutoGenerateResult{}, err
	}

	result := invoicedomain.AutoGenerateResult{
		CaseID:    caseID,
		Generated: []invoicedomain.Invoice{},
		Failed:    []invoicedomain.AutoGenerateFail{},
	}
	for _, node := range nodes {
		invoice, err := s.generate(ctx, node.ID, SourceAuto)
		if err != nil {
			s.log.Warn("auto invoice generation failed",
				zap.String("case_id", caseID.String()),
				zap.String("billing_node_id", node.ID.String()),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, invoicedomain.AutoGenerateFail{
				BillingNodeID: node.ID,
				Code:          apperror.CodeOf(err),
				Message:       err.Error(),
			})
			continue
		}
		result.Generated = append(result.Generated, invoice)
	}
	return result, nil
}

func (s *Service) generate(ctx context.Context, nodeID snowflake.ID, source string) (invoicedomain.Invoice, error) {
	ctx, span := tracer.Start(ctx, "invoice.generate")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("billing_node_id", nodeID.String()),
		attribute.String("source", source),
	)...)

	invoice, err := s.assemble(ctx, nodeID)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, apperror.CodeOf(err))
		if apperror.KindOf(err) == apperror.KindConflict {
			s.log.Error("invoice generation conflict",
				zap.String("billing_node_id", nodeID.String()),
				zap.Error(err),
			)
		}
		return invoicedomain.Invoice{}, err
	}
	span.SetAttributes(attribute.String("invoice_number", invoice.Number))

	s.obsMetrics.RecordInvoiceGenerated(ctx, source)
	s.log.Info("invoice generated",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("number", invoice.Number),
		zap.String("billing_node_id", nodeID.String()),
		zap.String("total", invoice.Total.StringFixed(2)),
		zap.String("source", source),
	)
	if err := s.publisher.Publish(ctx, events.RoutingInvoiceGenerated, invoicedomain.Generated{
		InvoiceID:     invoice.ID,
		Number:        invoice.Number,
		CaseID:        invoice.CaseID,
		ClientID:      invoice.ClientID,
		BillingNodeID: invoice.BillingNodeID,
		Total:         invoice.Total,
		Currency:      invoice.Currency,
		DueAt:         invoice.DueAt,
		Source:        source,
	}); err != nil {
		s.log.Warn("publish invoice generated failed", zap.String("invoice_id", invoice.ID.String()), zap.Error(err))
	}
	s.audit(ctx, "invoice.generated", invoice.ID, map[string]any{
		"number":          invoice.Number,
		"billing_node_id": nodeID.String(),
		"total":           invoice.Total.StringFixed(2),
		"currency":        invoice.Currency,
		"source":          source,
	})
	return invoice, nil
}

// assemble runs the whole invoice build in one transaction. The node row lock
// serialises generation per milestone; the guarded billed updates and the
// unique indexes on billing_node_id and number catch anything that slips by.
func (s *Service) assemble(ctx context.Context, nodeID snowflake.ID) (invoicedomain.Invoice, error) {
	if nodeID == 0 {
		return invoicedomain.Invoice{}, milestonedomain.ErrInvalidNodeID
	}
	rules := s.rules.Get()

	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := s.nodeRepo.FindForUpdate(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return milestonedomain.ErrNodeNotFound
		}
		if node.Status != milestonedomain.NodeStatusCompleted {
			return invoicedomain.ErrNodeNotCompleted
		}
		if node.Invoiced() {
			return invoicedomain.ErrAlreadyInvoiced
		}
		if !node.Amount.IsPositive() {
			return invoicedomain.ErrNodeAmountInvalid
		}

		currency := strings.ToUpper(node.Currency)
		entries, err := s.repo.UnbilledTimeEntries(ctx, tx, node.CaseID, currency)
		if err != nil {
			return err
		}
		expenses, err := s.repo.UnbilledExpenses(ctx, tx, node.CaseID, currency)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		invoiceID := s.genID.Generate()
		items := buildItems(s.genID, invoiceID, *node, entries, expenses, now)

		subtotal := decimal.Zero
		for _, item := range items {
			subtotal = subtotal.Add(item.Amount)
		}
		taxRate := rules.TaxRateFor(node.Jurisdiction, currency)
		taxAmount := subtotal.Mul(taxRate).Round(2)

		period := format.PeriodKey(now)
		seq, err := s.repo.NextSequence(ctx, tx, period)
		if err != nil {
			return err
		}
		number, err := format.FormatInvoiceNumber(format.DefaultInvoiceNumberTemplate, rules.InvoicePrefix, now, seq)
		if err != nil {
			return err
		}

		billingNodeID := node.ID
		invoice = invoicedomain.Invoice{
			ID:            invoiceID,
			CaseID:        node.CaseID,
			ClientID:      node.ClientID,
			BillingNodeID: &billingNodeID,
			Number:        number,
			Period:        period,
			Sequence:      seq,
			Status:        invoicedomain.InvoiceStatusUnpaid,
			Subtotal:      subtotal,
			TaxRate:       taxRate,
			TaxAmount:     taxAmount,
			Total:         subtotal.Add(taxAmount),
			AmountPaid:    decimal.Zero,
			Currency:      currency,
			IssuedAt:      now,
			DueAt:         now.AddDate(0, 0, rules.PaymentTermsDays),
			CreatedAt:     now,
			UpdatedAt:     now,
			Items:         items,
		}
		if err := s.repo.Insert(ctx, tx, &invoice); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return invoicedomain.ErrAlreadyInvoiced
			}
			return err
		}

		attached, err := s.nodeRepo.AttachInvoice(ctx, tx, node.ID, invoiceID)
		if err != nil {
			return err
		}
		if attached != 1 {
			return invoicedomain.ErrAlreadyInvoiced
		}

		entryIDs := make([]snowflake.ID, 0, len(entries))
		for _, entry := range entries {
			entryIDs = append(entryIDs, entry.ID)
		}
		marked, err := s.repo.MarkTimeEntriesBilled(ctx, tx, entryIDs, invoiceID)
		if err != nil {
			return err
		}
		if marked != int64(len(entryIDs)) {
			return invoicedomain.ErrBilledMismatch
		}

		expenseIDs := make([]snowflake.ID, 0, len(expenses))
		for _, expense := range expenses {
			expenseIDs = append(expenseIDs, expense.ID)
		}
		marked, err = s.repo.MarkExpensesBilled(ctx, tx, expenseIDs, invoiceID)
		if err != nil {
			return err
		}
		if marked != int64(len(expenseIDs)) {
			return invoicedomain.ErrBilledMismatch
		}
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return invoice, nil
}

func buildItems(
	genID *snowflake.Node,
	invoiceID snowflake.ID,
	node milestonedomain.BillingNode,
	entries []invoicedomain.TimeEntry,
	expenses []invoicedomain.Expense,
	now time.Time,
) []invoicedomain.InvoiceItem {
	items := make([]invoicedomain.InvoiceItem, 0, 1+len(entries)+len(expenses))
	items = append(items, invoicedomain.InvoiceItem{
		ID:          genID.Generate(),
		InvoiceID:   invoiceID,
		Kind:        invoicedomain.ItemKindBillingNode,
		SourceID:    node.ID,
		Description: node.Name,
		Quantity:    decimal.NewFromInt(1),
		UnitAmount:  node.Amount,
		Amount:      node.Amount.Round(2),
		Position:    0,
		CreatedAt:   now,
	})
	for _, entry := range entries {
		items = append(items, invoicedomain.InvoiceItem{
			ID:          genID.Generate(),
			InvoiceID:   invoiceID,
			Kind:        invoicedomain.ItemKindTimeEntry,
			SourceID:    entry.ID,
			Description: entry.Description,
			Quantity:    entry.Hours,
			UnitAmount:  entry.Rate,
			Amount:      entry.Amount(),
			Position:    len(items),
			CreatedAt:   now,
		})
	}
	for _, expense := range expenses {
		items = append(items, invoicedomain.InvoiceItem{
			ID:          genID.Generate(),
			InvoiceID:   invoiceID,
			Kind:        invoicedomain.ItemKindExpense,
			SourceID:    expense.ID,
			Description: expense.Description,
			Quantity:    decimal.NewFromInt(1),
			UnitAmount:  expense.Amount,
			Amount:      expense.Amount.Round(2),
			Position:    len(items),
			CreatedAt:   now,
		})
	}
	return items
}

func (s *Service) GetInvoice(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := parseInvoiceID(id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoice, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	s.withLateFee(invoice)
	return *invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
	}

	limit := req.Pagination.Limit()
	filter := invoicedomain.ListFilter{Limit: limit + 1}
	if v := strings.TrimSpace(req.CaseID); v != "" {
		caseID, err := snowflake.ParseString(v)
		if err != nil || caseID == 0 {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidCaseID
		}
		filter.CaseID = caseID
	}
	if v := strings.TrimSpace(req.Status); v != "" {
		status, ok := parseStatus(v)
		if !ok {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidStatus
		}
		filter.Status = status
	}
	if cursor != nil {
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	invoices, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	invoices, pageInfo := pagination.Trim(invoices, limit, func(item invoicedomain.Invoice) string {
		return item.ID.String()
	})
	for i := range invoices {
		s.withLateFee(&invoices[i])
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: invoices}, nil
}

// CancelInvoice voids an invoice nobody has paid. Consumed milestones and
// billable items stay attached to it.
func (s *Service) CancelInvoice(ctx context.Context, id, reason string) (invoicedomain.Invoice, error) {
	invoiceID, err := parseInvoiceID(id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	var invoice invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if current == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if current.Status == invoicedomain.InvoiceStatusCancelled {
			return invoicedomain.ErrInvoiceNotCancellable
		}
		payments, err := s.paymentRepo.ListByInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		for _, payment := range payments {
			if payment.Status == paymentdomain.StatusCompleted {
				return invoicedomain.ErrInvoiceNotCancellable
			}
		}

		now := s.clock.Now().UTC()
		if err := s.repo.UpdateFields(ctx, tx, invoiceID, map[string]any{
			"status":       invoicedomain.InvoiceStatusCancelled,
			"cancelled_at": now,
		}); err != nil {
			return err
		}
		current.Status = invoicedomain.InvoiceStatusCancelled
		current.CancelledAt = &now
		invoice = *current
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.audit(ctx, "invoice.cancelled", invoice.ID, map[string]any{
		"number": invoice.Number,
		"reason": strings.TrimSpace(reason),
	})
	return invoice, nil
}

func (s *Service) RecordTimeEntry(ctx context.Context, req invoicedomain.RecordTimeEntryRequest) (invoicedomain.TimeEntry, error) {
	caseID, err := parseCaseID(req.CaseID)
	if err != nil {
		return invoicedomain.TimeEntry{}, err
	}
	if !req.Hours.IsPositive() {
		return invoicedomain.TimeEntry{}, apperror.Validation("hours", "invalid", "hours must be greater than zero")
	}
	if req.Rate.IsNegative() {
		return invoicedomain.TimeEntry{}, apperror.Validation("rate", "invalid", "rate must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return invoicedomain.TimeEntry{}, apperror.Validation("currency", "required", "currency is required")
	}

	now := s.clock.Now().UTC()
	workedAt := now
	if req.WorkedAt != nil && !req.WorkedAt.IsZero() {
		workedAt = req.WorkedAt.UTC()
	}
	entry := invoicedomain.TimeEntry{
		ID:          s.genID.Generate(),
		CaseID:      caseID,
		Description: strings.TrimSpace(req.Description),
		Hours:       req.Hours.Round(2),
		Rate:        req.Rate.Round(2),
		Currency:    currency,
		WorkedAt:    workedAt,
		CreatedAt:   now,
	}
	if err := s.repo.InsertTimeEntry(ctx, s.db, &entry); err != nil {
		return invoicedomain.TimeEntry{}, err
	}
	return entry, nil
}

func (s *Service) RecordExpense(ctx context.Context, req invoicedomain.RecordExpenseRequest) (invoicedomain.Expense, error) {
	caseID, err := parseCaseID(req.CaseID)
	if err != nil {
		return invoicedomain.Expense{}, err
	}
	if !req.Amount.IsPositive() {
		return invoicedomain.Expense{}, apperror.Validation("amount", "invalid", "amount must be greater than zero")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return invoicedomain.Expense{}, apperror.Validation("currency", "required", "currency is required")
	}

	now := s.clock.Now().UTC()
	incurredAt := now
	if req.IncurredAt != nil && !req.IncurredAt.IsZero() {
		incurredAt = req.IncurredAt.UTC()
	}
	billable := true
	if req.Billable != nil {
		billable = *req.Billable
	}
	expense := invoicedomain.Expense{
		ID:          s.genID.Generate(),
		CaseID:      caseID,
		Description: strings.TrimSpace(req.Description),
		Amount:      req.Amount.Round(2),
		Currency:    currency,
		Billable:    billable,
		IncurredAt:  incurredAt,
		CreatedAt:   now,
	}
	if err := s.repo.InsertExpense(ctx, s.db, &expense); err != nil {
		return invoicedomain.Expense{}, err
	}
	return expense, nil
}

// withLateFee fills the derived late fee: the configured rate on the
// outstanding amount for every started 30-day period past the due date.
func (s *Service) withLateFee(invoice *invoicedomain.Invoice) {
	if invoice == nil || s.rules == nil {
		return
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusUnpaid, invoicedomain.InvoiceStatusPartiallyPaid:
	default:
		return
	}
	fee := LateFee(*invoice, s.clock.Now(), decimal.NewFromFloat(s.rules.Get().LateFeeRate))
	if fee.IsPositive() {
		invoice.LateFee = &fee
	}
}

// LateFee is zero until the invoice is overdue.
func LateFee(invoice invoicedomain.Invoice, now time.Time, rate decimal.Decimal) decimal.Decimal {
	overdue := now.Sub(invoice.DueAt)
	if overdue <= 0 || !rate.IsPositive() {
		return decimal.Zero
	}
	periods := int64(overdue / lateFeePeriod)
	if overdue%lateFeePeriod != 0 {
		periods++
	}
	return invoice.Outstanding().Mul(rate).Mul(decimal.NewFromInt(periods)).Round(2)
}

func (s *Service) audit(ctx context.Context, action string, invoiceID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, action, "invoice", invoiceID.String(), metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func parseStatus(raw string) (invoicedomain.InvoiceStatus, bool) {
	switch status := invoicedomain.InvoiceStatus(strings.ToUpper(strings.TrimSpace(raw))); status {
	case invoicedomain.InvoiceStatusDraft,
		invoicedomain.InvoiceStatusUnpaid,
		invoicedomain.InvoiceStatusPartiallyPaid,
		invoicedomain.InvoiceStatusPaid,
		invoicedomain.InvoiceStatusCancelled:
		return status, true
	default:
		return "", false
	}
}

func parseInvoiceID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, invoicedomain.ErrInvalidInvoiceID
	}
	return id, nil
}

func parseCaseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, invoicedomain.ErrInvalidCaseID
	}
	return id, nil
}
