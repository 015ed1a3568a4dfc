package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/lexbill/internal/clock"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	milestonedomain "github.com/smallbiznis/lexbill/internal/milestone/domain"
	obsmetrics "github.com/smallbiznis/lexbill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	reconciliationdomain "github.com/smallbiznis/lexbill/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobReconciliationSweep = "reconciliation_sweep"
	JobAutoInvoice         = "auto_invoice"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Params struct {
	fx.In

	DB                *gorm.DB
	Log               *zap.Logger
	Config            Config
	GenID             *snowflake.Node
	Clock             clock.Clock
	PaymentRepo       paymentdomain.Repository
	MilestoneRepo     milestonedomain.Repository
	ReconciliationSvc reconciliationdomain.Service
	InvoiceSvc        invoicedomain.Service
	Metrics           *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	db                *gorm.DB
	log               *zap.Logger
	cfg               Config
	genID             *snowflake.Node
	clock             clock.Clock
	paymentRepo       paymentdomain.Repository
	milestoneRepo     milestonedomain.Repository
	reconciliationSvc reconciliationdomain.Service
	invoiceSvc        invoicedomain.Service
	metrics           *obsmetrics.SchedulerMetrics

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.PaymentRepo == nil ||
		p.MilestoneRepo == nil || p.ReconciliationSvc == nil || p.InvoiceSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:                p.DB,
		log:               p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:               p.Config.withDefaults(),
		genID:             p.GenID,
		clock:             p.Clock,
		paymentRepo:       p.PaymentRepo,
		milestoneRepo:     p.MilestoneRepo,
		reconciliationSvc: p.ReconciliationSvc,
		invoiceSvc:        p.InvoiceSvc,
		metrics:           p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent    context.Context,
	name      string,
	batchSize int,
	fn        func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft stop, the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every job a single time, in order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name      string
		BatchSize int
		Run       func(context.Context) error
	}{
		{JobReconciliationSweep, s.cfg.SweepBatchSize, s.ReconciliationSweepJob},
		{JobAutoInvoice, s.cfg.AutoInvoiceMaxCases, s.AutoInvoiceJob},
	}

	var err error
	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.Name, job.BatchSize, job.Run))
	}
	return err
}

// ReconciliationSweepJob re-checks one batch of recent payments that are
// unverified or were verified before this run, with auto-match on. Payments
// left mismatched keep their stale verification stamp and come back on the
// next run.
func (s *Scheduler) ReconciliationSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconciliationSweep, s.cfg.SweepBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	payments, err := s.paymentRepo.ListDueForReconciliation(ctx, s.db, paymentdomain.SweepFilter{
		CreatedSince:     now.Add(-s.cfg.SweepLookback),
		ReconciledBefore: now,
		Limit:            s.cfg.SweepBatchSize,
	})
	if err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			jobErr = errors.Join(jobErr, err)
			break
		}
		outcome, err := s.reconciliationSvc.ReconcilePayment(ctx, payment.ID)
		processed++
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobItemError(ctx, run, "scheduler.payment.reconcile.failed", "payment", payment.ID, err)
			continue
		}
		switch outcome.Result {
		case obsmetrics.OutcomeError:
			run.IncError()
			s.logger(ctx).Warn("scheduler.payment.check.failed",
				zap.String("payment_id", payment.ID.String()),
				zap.String("method", payment.Method),
			)
		case obsmetrics.OutcomeCorrected:
			s.logger(ctx).Info("scheduler.payment.corrected",
				zap.String("payment_id", payment.ID.String()),
				zap.String("status", string(outcome.Status)),
			)
		}
	}

	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(JobReconciliationSweep, "payment", processed)
	return jobErr
}

// AutoInvoiceJob invoices the completed, uninvoiced milestones of up to
// AutoInvoiceMaxCases cases. Per-milestone failures are logged and left for
// the next run.
func (s *Scheduler) AutoInvoiceJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAutoInvoice, s.cfg.AutoInvoiceMaxCases)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	caseIDs, err := s.milestoneRepo.CasesWithUninvoiced(ctx, s.db, s.cfg.AutoInvoiceMaxCases)
	if err != nil {
		return err
	}

	var jobErr error
	generated := 0
	for _, caseID := range caseIDs {
		if err := ctx.Err(); err != nil {
			jobErr = errors.Join(jobErr, err)
			break
		}
		result, err := s.invoiceSvc.AutoGenerateInvoices(ctx, caseID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobItemError(ctx, run, "scheduler.case.invoice.failed", "case", caseID, err)
			continue
		}
		generated += len(result.Generated)
		for _, failure := range result.Failed {
			run.IncError()
			s.logger(ctx).Warn("scheduler.milestone.invoice.failed",
				zap.String("case_id", caseID.String()),
				zap.String("billing_node_id", failure.BillingNodeID.String()),
				zap.String("code", failure.Code),
				zap.String("message", failure.Message),
			)
		}
	}

	run.AddProcessed(generated)
	s.metrics.AddBatchProcessed(JobAutoInvoice, "invoice", generated)
	return jobErr
}

// Start registers the jobs on a UTC cron and starts it. Overlapping runs of
// the same job are skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{log: s.log.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	schedule := []struct {
		name      string
		spec      string
		batchSize int
		fn        func(context.Context) error
	}{
		{JobReconciliationSweep, s.cfg.SweepSpec, s.cfg.SweepBatchSize, s.ReconciliationSweepJob},
		{JobAutoInvoice, s.cfg.AutoInvoiceSpec, s.cfg.AutoInvoiceMaxCases, s.AutoInvoiceJob},
	}
	for _, job := range schedule {
		_, err := c.AddFunc(job.spec, func() {
			if err := s.runJob(ctx, job.name, job.batchSize, job.fn); err != nil {
				s.log.Warn("scheduler job failed", zap.String("job", job.name), zap.Error(err))
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
		s.log.Info("scheduled job", zap.String("job", job.name), zap.String("spec", job.spec))
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	return nil
}

// Stop cancels in-flight jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
