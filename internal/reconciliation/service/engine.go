package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	auditdomain "github.com/smallbiznis/lexbill/internal/audit/domain"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/events"
	"github.com/smallbiznis/lexbill/internal/lock"
	obsmetrics "github.com/smallbiznis/lexbill/internal/observability/metrics"
	"github.com/smallbiznis/lexbill/internal/observability/tracing"
	"github.com/smallbiznis/lexbill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"github.com/smallbiznis/lexbill/internal/providers/pdf"
	"github.com/smallbiznis/lexbill/internal/reconciliation/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultWorkers        = 8
	defaultGatewayTimeout = 10 * time.Second
	defaultLockTTL        = 30 * time.Second

	sourceReconciliation = "reconciliation"
	statisticsWindow     = 30 * 24 * time.Hour
)

var tracer = otel.Tracer("lexbill/reconciliation")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	PaymentRepo paymentdomain.Repository
	PaymentSvc  paymentdomain.Service
	Registry    *adapters.Registry
	Locker      lock.Locker
	PDF         pdf.Provider                      `optional:"true"`
	AuditSvc    auditdomain.Service               `optional:"true"`
	Publisher   events.Publisher                  `optional:"true"`
	Metrics     *obsmetrics.ReconciliationMetrics `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics               `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	paymentRepo paymentdomain.Repository
	paymentSvc  paymentdomain.Service
	registry    *adapters.Registry
	locker      lock.Locker
	pdf         pdf.Provider
	auditSvc    auditdomain.Service
	publisher   events.Publisher
	metrics     *obsmetrics.ReconciliationMetrics
	obsMetrics  *obsmetrics.Metrics

	workers        int
	gatewayTimeout time.Duration
	lockTTL        time.Duration
}

func NewService(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	renderer := p.PDF
	if renderer == nil {
		renderer = pdf.New()
	}

	cfg := p.Config.Reconciliation
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	gatewayTimeout := cfg.GatewayTimeout
	if gatewayTimeout <= 0 {
		gatewayTimeout = defaultGatewayTimeout
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	return &Service{
		db:             p.DB,
		log:            p.Log.Named("reconciliation.service"),
		genID:          p.GenID,
		clock:          clk,
		repo:           p.Repo,
		paymentRepo:    p.PaymentRepo,
		paymentSvc:     p.PaymentSvc,
		registry:       p.Registry,
		locker:         p.Locker,
		pdf:            renderer,
		auditSvc:       p.AuditSvc,
		publisher:      publisher,
		metrics:        p.Metrics,
		obsMetrics:     p.ObsMetrics,
		workers:        workers,
		gatewayTimeout: gatewayTimeout,
		lockTTL:        lockTTL,
	}
}

// verdict is how one payment was classified by a run.
type verdict struct {
	entry       domain.PaymentEntry
	matched     bool
	outcome     string
	discrepancy *domain.Discrepancy
	change      *paymentdomain.StatusChanged
}

// GenerateReport reconciles every payment created in the period. A payment
// that cannot be checked is reported unmatched and the run carries on.
func (s *Service) GenerateReport(ctx context.Context, req domain.GenerateReportRequest) (domain.Report, error) {
	if req.PeriodStart.IsZero() {
		return domain.Report{}, apperror.Validation("period_start", "required", "period_start is required")
	}
	if req.PeriodEnd.IsZero() {
		return domain.Report{}, apperror.Validation("period_end", "required", "period_end is required")
	}
	if !req.PeriodStart.Before(req.PeriodEnd) {
		return domain.Report{}, domain.ErrInvalidPeriod
	}
	trigger := strings.TrimSpace(req.Trigger)
	if trigger == "" {
		trigger = domain.TriggerAPI
	}
	methods := normalizeMethods(req.Methods)

	// A started run finishes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "reconciliation.generate_report")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("period_start", req.PeriodStart.UTC().Format(time.RFC3339)),
		attribute.String("period_end", req.PeriodEnd.UTC().Format(time.RFC3339)),
		attribute.Bool("auto_match", req.AutoMatch),
		attribute.String("trigger", trigger),
	)...)
	started := time.Now()

	report, alerts, verdicts, err := s.run(ctx, req, methods)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, apperror.CodeOf(err))
		return domain.Report{}, err
	}
	summary := report.Summary.Data()
	span.SetAttributes(
		attribute.Int("payments", summary.TotalPayments),
		attribute.Int("discrepancies", summary.DiscrepancyCount),
	)

	s.afterReconcile(ctx, verdicts, alerts)
	s.metrics.ObserveRun(trigger, time.Since(started))
	s.log.Info("reconciliation report generated",
		zap.String("report_id", report.ID.String()),
		zap.String("trigger", trigger),
		zap.Bool("auto_match", req.AutoMatch),
		zap.Int("payments", summary.TotalPayments),
		zap.Int("matched", summary.MatchedCount),
		zap.Int("unmatched", summary.UnmatchedCount),
		zap.Int("discrepancies", summary.DiscrepancyCount),
		zap.Int("corrected", summary.CorrectedCount),
	)
	s.publish(ctx, events.RoutingReportGenerated, domain.ReportGenerated{
		ReportID:    report.ID,
		PeriodStart: report.PeriodStart,
		PeriodEnd:   report.PeriodEnd,
		Trigger:     trigger,
		Summary:     summary,
	})
	s.audit(ctx, "reconciliation.report_generated", "reconciliation_report", report.ID.String(), map[string]any{
		"trigger":       trigger,
		"auto_match":    req.AutoMatch,
		"payments":      summary.TotalPayments,
		"discrepancies": summary.DiscrepancyCount,
		"corrected":     summary.CorrectedCount,
	})
	return report, nil
}

func (s *Service) run(ctx context.Context, req domain.GenerateReportRequest, methods []string) (domain.Report, []domain.DiscrepancyAlert, []verdict, error) {
	periodStart := req.PeriodStart.UTC()
	periodEnd := req.PeriodEnd.UTC()

	payments, err := s.paymentRepo.ListInWindow(ctx, s.db, periodStart, periodEnd, methods)
	if err != nil {
		return domain.Report{}, nil, nil, err
	}
	verdicts := s.reconcileAll(ctx, payments, req.AutoMatch)

	report := domain.Report{
		ID:            s.genID.Generate(),
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		Methods:       append(datatypes.JSONSlice[string]{}, methods...),
		AutoMatch:     req.AutoMatch,
		Matched:       datatypes.JSONSlice[domain.PaymentEntry]{},
		Unmatched:     datatypes.JSONSlice[domain.PaymentEntry]{},
		Discrepancies: datatypes.JSONSlice[domain.Discrepancy]{},
		GeneratedAt:   s.clock.Now().UTC(),
	}
	summary := domain.Summary{
		TotalAmount:     decimal.Zero,
		MatchedAmount:   decimal.Zero,
		UnmatchedAmount: decimal.Zero,
	}
	for _, v := range verdicts {
		summary.TotalPayments++
		summary.TotalAmount = summary.TotalAmount.Add(v.entry.Amount)
		if v.matched {
			summary.MatchedCount++
			summary.MatchedAmount = summary.MatchedAmount.Add(v.entry.Amount)
			report.Matched = append(report.Matched, v.entry)
		} else {
			summary.UnmatchedCount++
			summary.UnmatchedAmount = summary.UnmatchedAmount.Add(v.entry.Amount)
			report.Unmatched = append(report.Unmatched, v.entry)
		}
		if v.outcome == obsmetrics.OutcomeCorrected {
			summary.CorrectedCount++
		}
		if v.discrepancy != nil {
			summary.DiscrepancyCount++
			report.Discrepancies = append(report.Discrepancies, *v.discrepancy)
		}
	}
	report.Summary = datatypes.NewJSONType(summary)

	reportID := report.ID
	alerts := make([]domain.DiscrepancyAlert, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		alerts = append(alerts, s.newAlert(&reportID, d))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertReport(ctx, tx, &report); err != nil {
			return err
		}
		return s.repo.InsertAlerts(ctx, tx, alerts)
	})
	if err != nil {
		return domain.Report{}, nil, nil, err
	}
	return report, alerts, verdicts, nil
}

// reconcileAll checks payments on a bounded pool. Results keep the input
// order.
func (s *Service) reconcileAll(ctx context.Context, payments []paymentdomain.Payment, autoMatch bool) []verdict {
	verdicts := make([]verdict, len(payments))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range payments {
		g.Go(func() error {
			verdicts[i] = s.reconcile(ctx, payments[i], autoMatch)
			return nil
		})
	}
	_ = g.Wait()
	return verdicts
}

// ReconcilePayment is the single-payment variant used by the background
// sweep. Mismatches are always corrected.
func (s *Service) ReconcilePayment(ctx context.Context, paymentID snowflake.ID) (domain.Outcome, error) {
	if paymentID == 0 {
		return domain.Outcome{}, paymentdomain.ErrInvalidPaymentID
	}
	ctx = context.WithoutCancel(ctx)

	payment, err := s.paymentRepo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if payment == nil {
		return domain.Outcome{}, domain.ErrPaymentNotFound
	}

	v := s.reconcile(ctx, *payment, true)
	outcome := domain.Outcome{
		PaymentID:     payment.ID,
		Result:        v.outcome,
		Status:        v.entry.Status,
		GatewayStatus: v.entry.GatewayStatus,
		Corrected:     v.outcome == obsmetrics.OutcomeCorrected,
	}

	var alerts []domain.DiscrepancyAlert
	if v.discrepancy != nil {
		alert := s.newAlert(nil, *v.discrepancy)
		if err := s.repo.InsertAlerts(ctx, s.db, []domain.DiscrepancyAlert{alert}); err != nil {
			return outcome, err
		}
		outcome.Alert = &alert
		alerts = append(alerts, alert)
	}
	s.afterReconcile(ctx, []verdict{v}, alerts)
	return outcome, nil
}

// reconcile runs read, compare, write for one payment under its lock. The
// gateway is queried outside any database transaction.
func (s *Service) reconcile(ctx context.Context, listed paymentdomain.Payment, autoMatch bool) verdict {
	adapter, err := s.registry.Resolve(listed.Method)
	if err != nil {
		return s.failed(listed, err)
	}

	release, err := s.locker.Lock(ctx, paymentdomain.LockKey(listed.ID), s.lockTTL)
	if err != nil {
		return s.failed(listed, err)
	}
	defer release()

	current, err := s.paymentRepo.FindByID(ctx, s.db, listed.ID)
	if err != nil {
		return s.failed(listed, err)
	}
	if current == nil {
		return s.failed(listed, paymentdomain.ErrPaymentNotFound)
	}

	gatewayStatus, err := s.checkStatus(ctx, adapter, *current)
	if err != nil {
		return s.failed(*current, err)
	}

	var v verdict
	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.paymentRepo.FindForUpdate(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return paymentdomain.ErrPaymentNotFound
		}

		v = verdict{entry: entryOf(*locked)}
		v.entry.GatewayStatus = gatewayStatus
		if locked.Status == gatewayStatus {
			v.matched = true
			v.outcome = obsmetrics.OutcomeMatched
			return s.paymentSvc.ApplyTransition(ctx, tx, locked, paymentdomain.Transition{
				To:           locked.Status,
				Source:       sourceReconciliation,
				ReconciledAt: &now,
			})
		}

		d := domain.Discrepancy{
			PaymentID:     locked.ID,
			InvoiceID:     locked.InvoiceID,
			Method:        locked.Method,
			Reference:     locked.GatewayReference(),
			Type:          domain.DiscrepancyStatusMismatch,
			Severity:      domain.SeverityHigh,
			LocalStatus:   locked.Status,
			GatewayStatus: gatewayStatus,
			Description:   fmt.Sprintf("local status %s differs from gateway status %s", locked.Status, gatewayStatus),
			DetectedAt:    now,
		}
		if !autoMatch {
			v.outcome = obsmetrics.OutcomeMismatch
			v.discrepancy = &d
			return nil
		}
		// a recorded refund is never reverted by a status check
		if locked.Status == paymentdomain.StatusRefunded {
			d.Description += "; refunded payment left unchanged"
			v.outcome = obsmetrics.OutcomeMismatch
			v.discrepancy = &d
			return nil
		}

		change := &paymentdomain.StatusChanged{
			PaymentID: locked.ID,
			InvoiceID: locked.InvoiceID,
			Method:    locked.Method,
			From:      locked.Status,
			To:        gatewayStatus,
			Source:    sourceReconciliation,
			ChangedAt: now,
		}
		if err := s.paymentSvc.ApplyTransition(ctx, tx, locked, paymentdomain.Transition{
			To:           gatewayStatus,
			Source:       sourceReconciliation,
			ReconciledAt: &now,
		}); err != nil {
			return err
		}
		d.Corrected = true
		d.Description += "; local status corrected"
		v.entry.Status = gatewayStatus
		v.matched = true
		v.outcome = obsmetrics.OutcomeCorrected
		v.discrepancy = &d
		v.change = change
		return nil
	})
	if err != nil {
		return s.failed(*current, err)
	}
	return v
}

func (s *Service) checkStatus(ctx context.Context, adapter paymentdomain.GatewayAdapter, payment paymentdomain.Payment) (paymentdomain.Status, error) {
	reference := payment.GatewayReference()
	if reference == "" {
		return "", &paymentdomain.GatewayError{Method: payment.Method, Err: paymentdomain.ErrMissingReference}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	started := time.Now()
	status, err := adapter.CheckStatus(callCtx, reference)
	s.metrics.ObserveGatewayCall(payment.Method, err, time.Since(started))
	if err != nil {
		var gwErr *paymentdomain.GatewayError
		if errors.As(err, &gwErr) {
			return "", err
		}
		return "", &paymentdomain.GatewayError{Method: payment.Method, Reference: reference, Err: err}
	}
	if _, ok := paymentdomain.ParseStatus(string(status)); !ok {
		return "", &paymentdomain.GatewayError{Method: payment.Method, Reference: reference, Err: paymentdomain.ErrUnknownGatewayStatus}
	}
	return status, nil
}

func (s *Service) failed(payment paymentdomain.Payment, err error) verdict {
	s.log.Warn("payment reconciliation failed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("method", payment.Method),
		zap.String("code", apperror.CodeOf(err)),
		zap.Error(err),
	)
	return verdict{
		entry:   entryOf(payment),
		outcome: obsmetrics.OutcomeError,
		discrepancy: &domain.Discrepancy{
			PaymentID:   payment.ID,
			InvoiceID:   payment.InvoiceID,
			Method:      payment.Method,
			Reference:   payment.GatewayReference(),
			Type:        domain.DiscrepancyReconciliationError,
			Severity:    domain.SeverityMedium,
			LocalStatus: payment.Status,
			Description: fmt.Sprintf("gateway check failed: %v", err),
			DetectedAt:  s.clock.Now().UTC(),
		},
	}
}

func (s *Service) newAlert(reportID *snowflake.ID, d domain.Discrepancy) domain.DiscrepancyAlert {
	return domain.DiscrepancyAlert{
		ID:            s.genID.Generate(),
		ReportID:      reportID,
		PaymentID:     d.PaymentID,
		Reference:     d.Reference,
		Severity:      d.Severity,
		Type:          d.Type,
		LocalStatus:   d.LocalStatus,
		GatewayStatus: d.GatewayStatus,
		Description:   d.Description,
		DetectedAt:    d.DetectedAt,
	}
}

// afterReconcile runs once the writes are committed.
func (s *Service) afterReconcile(ctx context.Context, verdicts []verdict, alerts []domain.DiscrepancyAlert) {
	changed := false
	for _, v := range verdicts {
		s.metrics.IncPayment(v.entry.Method, v.outcome)
		if v.change == nil {
			continue
		}
		changed = true
		s.publish(ctx, events.RoutingPaymentStatusChanged, v.change)
		s.audit(ctx, "payment.reconciled", "payment", v.change.PaymentID.String(), map[string]any{
			"invoice_id": v.change.InvoiceID.String(),
			"from":       string(v.change.From),
			"to":         string(v.change.To),
		})
	}

	if changed {
		s.paymentSvc.InvalidateStatistics()
	}

	for _, alert := range alerts {
		s.metrics.IncDiscrepancy(string(alert.Type), string(alert.Severity))
		s.obsMetrics.RecordAlert(ctx, string(alert.Type), string(alert.Severity))
		s.publish(ctx, events.RoutingDiscrepancyDetected, domain.DiscrepancyDetected{
			AlertID:       alert.ID,
			ReportID:      alert.ReportID,
			PaymentID:     alert.PaymentID,
			Type:          alert.Type,
			Severity:      alert.Severity,
			LocalStatus:   alert.LocalStatus,
			GatewayStatus: alert.GatewayStatus,
			DetectedAt:    alert.DetectedAt,
		})
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, data any) {
	if err := s.publisher.Publish(ctx, routingKey, data); err != nil {
		s.log.Warn("publish event failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, action, targetType, targetID, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func entryOf(p paymentdomain.Payment) domain.PaymentEntry {
	return domain.PaymentEntry{
		PaymentID: p.ID,
		InvoiceID: p.InvoiceID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Method:    p.Method,
		Status:    p.Status,
		Reference: p.GatewayReference(),
		CreatedAt: p.CreatedAt,
	}
}

func normalizeMethods(methods []string) []string {
	seen := make(map[string]struct{}, len(methods))
	out := make([]string, 0, len(methods))
	for _, method := range methods {
		method = strings.ToLower(strings.TrimSpace(method))
		if method == "" {
			continue
		}
		if _, ok := seen[method]; ok {
			continue
		}
		seen[method] = struct{}{}
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}
