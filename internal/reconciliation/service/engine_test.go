package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	auditdomain "github.com/smallbiznis/lexbill/internal/audit/domain"
	auditservice "github.com/smallbiznis/lexbill/internal/audit/service"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/events"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	"github.com/smallbiznis/lexbill/internal/invoice/projector"
	invoicerepo "github.com/smallbiznis/lexbill/internal/invoice/repository"
	"github.com/smallbiznis/lexbill/internal/lock"
	obsmetrics "github.com/smallbiznis/lexbill/internal/observability/metrics"
	"github.com/smallbiznis/lexbill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"github.com/smallbiznis/lexbill/internal/payment/domain/mock"
	paymentrepo "github.com/smallbiznis/lexbill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/lexbill/internal/payment/service"
	"github.com/smallbiznis/lexbill/internal/reconciliation/domain"
	"github.com/smallbiznis/lexbill/internal/reconciliation/repository"
	"github.com/smallbiznis/lexbill/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	marchStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	aprilStart = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	svc       *Service
	stripe    *mock.MockGatewayAdapter
	paypal    *mock.MockGatewayAdapter
	publisher *events.Recorder
	registry  *prometheus.Registry
	clock     *clock.FakeClock
}

func setup(t *testing.T, gatewayTimeout time.Duration) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&paymentdomain.Payment{},
		&auditdomain.AuditLog{},
		&domain.Report{},
		&domain.DiscrepancyAlert{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	stripeGW := mock.NewMockGatewayAdapter(ctrl)
	stripeGW.EXPECT().Provider().Return("stripe").AnyTimes()
	paypalGW := mock.NewMockGatewayAdapter(ctrl)
	paypalGW.EXPECT().Provider().Return("paypal").AnyTimes()
	registry := adapters.NewRegistry(stripeGW, paypalGW)

	log := zap.NewNop()
	fakeClock := clock.NewFakeClock(aprilStart.Add(2 * time.Hour))
	paymentRepo := paymentrepo.Provide()
	invoiceRepo := invoicerepo.Provide()
	locker := lock.NewLocalLocker()
	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node})
	publisher := &events.Recorder{}

	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       fakeClock,
		Repo:        paymentRepo,
		InvoiceRepo: invoiceRepo,
		Projector:   projector.New(projector.Params{Log: log, Clock: fakeClock, InvoiceRepo: invoiceRepo, PaymentRepo: paymentRepo}),
		Registry:    registry,
		Locker:      locker,
		AuditSvc:    auditSvc,
		Publisher:   publisher,
	})

	promRegistry := prometheus.NewRegistry()
	cfg := config.Config{Reconciliation: config.ReconciliationConfig{
		Workers:        4,
		GatewayTimeout: gatewayTimeout,
		LockTTL:        time.Second,
	}}
	svc := newService(Params{
		DB:          conn,
		Log:         log,
		Config:      cfg,
		GenID:       node,
		Clock:       fakeClock,
		Repo:        repository.Provide(),
		PaymentRepo: paymentRepo,
		PaymentSvc:  paymentSvc,
		Registry:    registry,
		Locker:      locker,
		AuditSvc:    auditSvc,
		Publisher:   publisher,
		Metrics:     obsmetrics.NewReconciliationMetrics(promRegistry, obsmetrics.Config{Environment: "test"}),
	})

	return &fixture{
		db:        conn,
		node:      node,
		svc:       svc,
		stripe:    stripeGW,
		paypal:    paypalGW,
		publisher: publisher,
		registry:  promRegistry,
		clock:     fakeClock,
	}
}

func (f *fixture) invoice(t *testing.T, total int64) invoicedomain.Invoice {
	t.Helper()
	id := f.node.Generate()
	invoice := invoicedomain.Invoice{
		ID:         id,
		CaseID:     f.node.Generate(),
		ClientID:   f.node.Generate(),
		Number:     "INV-202603-" + id.String(),
		Period:     "202603",
		Sequence:   id.Int64(),
		Status:     invoicedomain.InvoiceStatusUnpaid,
		Subtotal:   decimal.NewFromInt(total),
		TaxRate:    decimal.Zero,
		TaxAmount:  decimal.Zero,
		Total:      decimal.NewFromInt(total),
		AmountPaid: decimal.Zero,
		Currency:   "USD",
		IssuedAt:   marchStart,
		DueAt:      marchStart.AddDate(0, 0, 30),
	}
	require.NoError(t, f.db.Create(&invoice).Error)
	return invoice
}

func (f *fixture) payment(t *testing.T, invoiceID snowflake.ID, method, transactionID string, status paymentdomain.Status, amount int64, createdAt time.Time) paymentdomain.Payment {
	t.Helper()
	payment := paymentdomain.Payment{
		ID:             f.node.Generate(),
		InvoiceID:      invoiceID,
		Amount:         decimal.NewFromInt(amount),
		Currency:       "USD",
		Method:         method,
		Status:         status,
		TransactionID:  transactionID,
		Reference:      transactionID,
		RefundedAmount: decimal.Zero,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	require.NoError(t, f.db.Create(&payment).Error)
	return payment
}

func (f *fixture) reloadPayment(t *testing.T, id snowflake.ID) paymentdomain.Payment {
	t.Helper()
	var payment paymentdomain.Payment
	require.NoError(t, f.db.First(&payment, "id = ?", id).Error)
	return payment
}

func (f *fixture) reloadInvoice(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice, "id = ?", id).Error)
	return invoice
}

func (f *fixture) alerts(t *testing.T) []domain.DiscrepancyAlert {
	t.Helper()
	var alerts []domain.DiscrepancyAlert
	require.NoError(t, f.db.Order("id asc").Find(&alerts).Error)
	return alerts
}

// counter sums every series of a counter whose labels include want.
func (f *fixture) counter(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if hasLabels(metric.GetLabel(), want) {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, pair := range pairs {
		if v, ok := want[pair.GetName()]; ok && v == pair.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func march(day int) time.Time {
	return marchStart.AddDate(0, 0, day-1).Add(10 * time.Hour)
}

func TestGenerateReportMatched(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 1000)
	payment := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusCompleted, 1000, march(5))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusCompleted, nil)

	report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		AutoMatch:   true,
	})
	require.NoError(t, err)

	summary := report.Summary.Data()
	assert.Equal(t, 1, summary.TotalPayments)
	assert.Equal(t, 1, summary.MatchedCount)
	assert.Equal(t, 0, summary.UnmatchedCount)
	assert.Equal(t, 0, summary.DiscrepancyCount)
	assert.True(t, summary.MatchedAmount.Equal(decimal.NewFromInt(1000)))
	require.Len(t, report.Matched, 1)
	assert.Equal(t, payment.ID, report.Matched[0].PaymentID)
	assert.Equal(t, paymentdomain.StatusCompleted, report.Matched[0].GatewayStatus)
	assert.Empty(t, report.Unmatched)
	assert.Empty(t, report.Discrepancies)
	assert.Empty(t, f.alerts(t))

	reloaded := f.reloadPayment(t, payment.ID)
	require.NotNil(t, reloaded.LastReconciledAt)
	assert.True(t, reloaded.LastReconciledAt.Equal(f.clock.Now()))

	stored, err := f.svc.GetReport(ctx, report.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Summary.Data().MatchedCount)
	require.Len(t, stored.Matched, 1)

	assert.Equal(t, 1, f.publisher.Count(events.RoutingReportGenerated))
	assert.Zero(t, f.publisher.Count(events.RoutingDiscrepancyDetected))
	assert.Equal(t, float64(1), f.counter(t, "lexbill_reconciliation_payments_total", map[string]string{"method": "stripe", "outcome": "matched"}))
}

func TestGenerateReportAutoMatchCorrectsMismatch(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 1000)
	payment := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusPending, 1000, march(5))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusCompleted, nil)

	report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		AutoMatch:   true,
	})
	require.NoError(t, err)

	summary := report.Summary.Data()
	assert.Equal(t, 1, summary.MatchedCount)
	assert.Equal(t, 1, summary.CorrectedCount)
	assert.Equal(t, 1, summary.DiscrepancyCount)
	require.Len(t, report.Matched, 1)
	assert.Equal(t, paymentdomain.StatusCompleted, report.Matched[0].Status)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, domain.DiscrepancyStatusMismatch, d.Type)
	assert.Equal(t, domain.SeverityHigh, d.Severity)
	assert.Equal(t, paymentdomain.StatusPending, d.LocalStatus)
	assert.Equal(t, paymentdomain.StatusCompleted, d.GatewayStatus)
	assert.True(t, d.Corrected)

	reloaded := f.reloadPayment(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusCompleted, reloaded.Status)
	assert.NotNil(t, reloaded.CompletedAt)
	assert.NotNil(t, reloaded.LastReconciledAt)

	projected := f.reloadInvoice(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, projected.Status)
	assert.True(t, projected.AmountPaid.Equal(decimal.NewFromInt(1000)))

	alerts := f.alerts(t)
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].ReportID)
	assert.Equal(t, report.ID, *alerts[0].ReportID)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)
	assert.False(t, alerts[0].Resolved)

	assert.Equal(t, 1, f.publisher.Count(events.RoutingPaymentStatusChanged))
	assert.Equal(t, 1, f.publisher.Count(events.RoutingDiscrepancyDetected))
	assert.Equal(t, float64(1), f.counter(t, "lexbill_reconciliation_payments_total", map[string]string{"outcome": "corrected"}))
	assert.Equal(t, float64(1), f.counter(t, "lexbill_reconciliation_discrepancies_total", map[string]string{"type": "STATUS_MISMATCH", "severity": "HIGH"}))
}

func TestGenerateReportWithoutAutoMatchLeavesPayment(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 1000)
	payment := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusPending, 1000, march(5))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusCompleted, nil)

	report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
	})
	require.NoError(t, err)

	summary := report.Summary.Data()
	assert.Equal(t, 0, summary.MatchedCount)
	assert.Equal(t, 1, summary.UnmatchedCount)
	assert.Equal(t, 0, summary.CorrectedCount)
	require.Len(t, report.Discrepancies, 1)
	assert.False(t, report.Discrepancies[0].Corrected)

	reloaded := f.reloadPayment(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusPending, reloaded.Status)
	assert.Nil(t, reloaded.LastReconciledAt)
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, f.reloadInvoice(t, invoice.ID).Status)
	assert.Zero(t, f.publisher.Count(events.RoutingPaymentStatusChanged))
}

func TestGenerateReportNeverRevertsRefund(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 1000)
	payment := f.payment(t, invoice.ID, "stripe", "pi_2", paymentdomain.StatusRefunded, 1000, march(5))
	require.NoError(t, f.db.Model(&paymentdomain.Payment{}).Where("id = ?", payment.ID).
		Update("refunded_amount", decimal.NewFromInt(1000)).Error)

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_2").Return(paymentdomain.StatusCompleted, nil)

	report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		AutoMatch:   true,
	})
	require.NoError(t, err)

	summary := report.Summary.Data()
	assert.Equal(t, 0, summary.CorrectedCount)
	assert.Equal(t, 0, summary.MatchedCount)
	assert.Equal(t, 1, summary.UnmatchedCount)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, domain.DiscrepancyStatusMismatch, d.Type)
	assert.Equal(t, domain.SeverityHigh, d.Severity)
	assert.Equal(t, paymentdomain.StatusRefunded, d.LocalStatus)
	assert.Equal(t, paymentdomain.StatusCompleted, d.GatewayStatus)
	assert.False(t, d.Corrected)

	reloaded := f.reloadPayment(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusRefunded, reloaded.Status)
	assert.Nil(t, reloaded.LastReconciledAt)
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, f.reloadInvoice(t, invoice.ID).Status)

	require.Len(t, f.alerts(t), 1)
	assert.Zero(t, f.publisher.Count(events.RoutingPaymentStatusChanged))
}

func TestGenerateReportIsolatesGatewayFailures(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 3000)
	first := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusCompleted, 1000, march(2))
	second := f.payment(t, invoice.ID, "stripe", "pi_2", paymentdomain.StatusCompleted, 1000, march(3))
	third := f.payment(t, invoice.ID, "paypal", "cap_3", paymentdomain.StatusCompleted, 1000, march(4))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusCompleted, nil)
	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_2").Return(paymentdomain.Status(""), errors.New("connection reset"))
	f.paypal.EXPECT().CheckStatus(gomock.Any(), "cap_3").Return(paymentdomain.StatusCompleted, nil)

	report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		AutoMatch:   true,
	})
	require.NoError(t, err)

	summary := report.Summary.Data()
	assert.Equal(t, 3, summary.TotalPayments)
	assert.Equal(t, 2, summary.MatchedCount)
	assert.Equal(t, 1, summary.UnmatchedCount)
	assert.True(t, summary.UnmatchedAmount.Equal(decimal.NewFromInt(1000)))

	require.Len(t, report.Matched, 2)
	matchedIDs := []snowflake.ID{report.Matched[0].PaymentID, report.Matched[1].PaymentID}
	assert.ElementsMatch(t, []snowflake.ID{first.ID, third.ID}, matchedIDs)
	require.Len(t, report.Unmatched, 1)
	assert.Equal(t, second.ID, report.Unmatched[0].PaymentID)

	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, second.ID, d.PaymentID)
	assert.Equal(t, domain.DiscrepancyReconciliationError, d.Type)
	assert.Equal(t, domain.SeverityMedium, d.Severity)
	assert.Contains(t, d.Description, "connection reset")

	assert.Nil(t, f.reloadPayment(t, second.ID).LastReconciledAt)
	assert.NotNil(t, f.reloadPayment(t, third.ID).LastReconciledAt)
	assert.Equal(t, float64(1), f.counter(t, "lexbill_reconciliation_payments_total", map[string]string{"method": "stripe", "outcome": "error"}))
}

func TestGenerateReportRecordsUnsupportedMethod(t *testing.T) {
	f := setup(t, time.Second)
	invoice := f.invoice(t, 500)
	payment := f.payment(t, invoice.ID, "wire", "w_1", paymentdomain.StatusPending, 500, march(7))

	report, err := f.svc.GenerateReport(context.Background(), domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		AutoMatch:   true,
	})
	require.NoError(t, err)

	require.Len(t, report.Unmatched, 1)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, payment.ID, report.Discrepancies[0].PaymentID)
	assert.Equal(t, domain.DiscrepancyReconciliationError, report.Discrepancies[0].Type)
	assert.Contains(t, report.Discrepancies[0].Description, "gateway_not_implemented")
}

func TestGenerateReportTreatsTimeoutAsGatewayError(t *testing.T) {
	f := setup(t, 20*time.Millisecond)
	invoice := f.invoice(t, 500)
	f.payment(t, invoice.ID, "stripe", "pi_slow", paymentdomain.StatusPending, 500, march(7))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_slow").DoAndReturn(
		func(ctx context.Context, _ string) (paymentdomain.Status, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	)

	report, err := f.svc.GenerateReport(context.Background(), domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		AutoMatch:   true,
	})
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, domain.DiscrepancyReconciliationError, report.Discrepancies[0].Type)
	assert.Contains(t, report.Discrepancies[0].Description, context.DeadlineExceeded.Error())
}

func TestGenerateReportRejectsUnknownGatewayStatus(t *testing.T) {
	f := setup(t, time.Second)
	invoice := f.invoice(t, 500)
	f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusPending, 500, march(7))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.Status("AUTHORIZED"), nil)

	report, err := f.svc.GenerateReport(context.Background(), domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		AutoMatch:   true,
	})
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, domain.DiscrepancyReconciliationError, report.Discrepancies[0].Type)
	assert.Contains(t, report.Discrepancies[0].Description, "gateway_status_unknown")
}

func TestGenerateReportFiltersWindowAndMethods(t *testing.T) {
	f := setup(t, time.Second)
	invoice := f.invoice(t, 3000)
	inWindow := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusCompleted, 1000, march(10))
	f.payment(t, invoice.ID, "stripe", "pi_old", paymentdomain.StatusCompleted, 1000, marchStart.Add(-time.Hour))
	f.payment(t, invoice.ID, "paypal", "cap_1", paymentdomain.StatusCompleted, 1000, march(11))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusCompleted, nil)

	report, err := f.svc.GenerateReport(context.Background(), domain.GenerateReportRequest{
		PeriodStart: marchStart,
		PeriodEnd:   aprilStart,
		Methods:     []string{" Stripe ", "stripe"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"stripe"}, []string(report.Methods))
	require.Len(t, report.Matched, 1)
	assert.Equal(t, inWindow.ID, report.Matched[0].PaymentID)
}

func TestGenerateReportValidation(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()

	_, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodEnd: aprilStart})
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodStart: aprilStart, PeriodEnd: marchStart})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestReconcilePaymentCorrectsAndAlertsWithoutReport(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 1000)
	payment := f.payment(t, invoice.ID, "paypal", "cap_1", paymentdomain.StatusCompleted, 1000, march(20))
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Where("id = ?", invoice.ID).Updates(map[string]any{
		"status":      invoicedomain.InvoiceStatusPaid,
		"amount_paid": decimal.NewFromInt(1000),
	}).Error)

	f.paypal.EXPECT().CheckStatus(gomock.Any(), "cap_1").Return(paymentdomain.StatusRefunded, nil)

	outcome, err := f.svc.ReconcilePayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, obsmetrics.OutcomeCorrected, outcome.Result)
	assert.True(t, outcome.Corrected)
	assert.Equal(t, paymentdomain.StatusRefunded, outcome.Status)
	require.NotNil(t, outcome.Alert)
	assert.Nil(t, outcome.Alert.ReportID)

	assert.Equal(t, paymentdomain.StatusRefunded, f.reloadPayment(t, payment.ID).Status)
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, f.reloadInvoice(t, invoice.ID).Status)

	var reports int64
	require.NoError(t, f.db.Model(&domain.Report{}).Count(&reports).Error)
	assert.Zero(t, reports)
	require.Len(t, f.alerts(t), 1)
}

func TestReconcilePaymentMatched(t *testing.T) {
	f := setup(t, time.Second)
	invoice := f.invoice(t, 1000)
	payment := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusPending, 1000, march(20))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusPending, nil)

	outcome, err := f.svc.ReconcilePayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, obsmetrics.OutcomeMatched, outcome.Result)
	assert.Nil(t, outcome.Alert)
	assert.Empty(t, f.alerts(t))
}

func TestReconcilePaymentNotFound(t *testing.T) {
	f := setup(t, time.Second)

	_, err := f.svc.ReconcilePayment(context.Background(), f.node.Generate())
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestResolveAlertOnlyOnce(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 1000)
	payment := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusPending, 1000, march(20))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.Status(""), errors.New("gateway down"))

	outcome, err := f.svc.ReconcilePayment(ctx, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Alert)
	alertID := outcome.Alert.ID.String()

	_, err = f.svc.ResolveAlert(ctx, domain.ResolveAlertRequest{AlertID: alertID})
	require.Error(t, err)
	assert.Equal(t, "required", apperror.CodeOf(err))

	resolved, err := f.svc.ResolveAlert(ctx, domain.ResolveAlertRequest{
		AlertID:    alertID,
		ResolvedBy: "ops@firm.example",
		Notes:      "gateway outage, verified manually",
	})
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "ops@firm.example", *resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = f.svc.ResolveAlert(ctx, domain.ResolveAlertRequest{AlertID: alertID, ResolvedBy: "someone-else"})
	assert.ErrorIs(t, err, domain.ErrAlertAlreadyResolved)

	stored := f.alerts(t)
	require.Len(t, stored, 1)
	assert.Equal(t, "ops@firm.example", *stored[0].ResolvedBy)

	_, err = f.svc.ResolveAlert(ctx, domain.ResolveAlertRequest{AlertID: f.node.Generate().String(), ResolvedBy: "x"})
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)
}

func TestListAlertsFilters(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 2000)
	f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusPending, 1000, march(2))
	f.payment(t, invoice.ID, "stripe", "pi_2", paymentdomain.StatusPending, 1000, march(3))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusCompleted, nil)
	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_2").Return(paymentdomain.Status(""), errors.New("boom"))

	_, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodStart: marchStart, PeriodEnd: aprilStart})
	require.NoError(t, err)

	all, err := f.svc.ListAlerts(ctx, domain.ListAlertsRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Alerts, 2)

	high, err := f.svc.ListAlerts(ctx, domain.ListAlertsRequest{Severity: "high"})
	require.NoError(t, err)
	require.Len(t, high.Alerts, 1)
	assert.Equal(t, domain.DiscrepancyStatusMismatch, high.Alerts[0].Type)

	_, err = f.svc.ResolveAlert(ctx, domain.ResolveAlertRequest{AlertID: high.Alerts[0].ID.String(), ResolvedBy: "ops"})
	require.NoError(t, err)

	open := false
	unresolved, err := f.svc.ListAlerts(ctx, domain.ListAlertsRequest{Resolved: &open})
	require.NoError(t, err)
	require.Len(t, unresolved.Alerts, 1)
	assert.Equal(t, domain.SeverityMedium, unresolved.Alerts[0].Severity)

	_, err = f.svc.ListAlerts(ctx, domain.ListAlertsRequest{Severity: "urgent"})
	assert.ErrorIs(t, err, domain.ErrInvalidSeverity)
}

func TestExportReportCSV(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 2000)
	unmatched := f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusPending, 250, march(2))
	matched := f.payment(t, invoice.ID, "stripe", "pi_2", paymentdomain.StatusCompleted, 1000, march(3))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusFailed, nil)
	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_2").Return(paymentdomain.StatusCompleted, nil)

	report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodStart: marchStart, PeriodEnd: aprilStart})
	require.NoError(t, err)

	export, err := f.svc.ExportReport(ctx, report.ID.String(), "CSV")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", export.ContentType)
	assert.Equal(t, "reconciliation-"+report.ID.String()+".csv", export.Filename)

	want := strings.Join([]string{
		"payment_id,invoice_id,amount,currency,method,status,created_at,matched",
		fmt.Sprintf("%s,%s,1000.00,USD,stripe,COMPLETED,2026-03-03T10:00:00Z,yes", matched.ID, invoice.ID),
		fmt.Sprintf("%s,%s,250.00,USD,stripe,PENDING,2026-03-02T10:00:00Z,no", unmatched.ID, invoice.ID),
	}, "\n") + "\n"
	assert.Equal(t, want, string(export.Body))
}

func TestExportReportOtherFormats(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()

	report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodStart: marchStart, PeriodEnd: aprilStart})
	require.NoError(t, err)
	assert.Zero(t, report.Summary.Data().TotalPayments)

	asJSON, err := f.svc.ExportReport(ctx, report.ID.String(), domain.ExportJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", asJSON.ContentType)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(asJSON.Body, &decoded))
	assert.Equal(t, report.ID.String(), fmt.Sprint(decoded["id"]))
	assert.Equal(t, []any{}, decoded["matched_payments"])

	asPDF, err := f.svc.ExportReport(ctx, report.ID.String(), domain.ExportPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", asPDF.ContentType)
	assert.True(t, bytes.HasPrefix(asPDF.Body, []byte("%PDF")))

	_, err = f.svc.ExportReport(ctx, report.ID.String(), "xlsx")
	assert.ErrorIs(t, err, domain.ErrInvalidExportFormat)

	_, err = f.svc.ExportReport(ctx, f.node.Generate().String(), domain.ExportCSV)
	assert.ErrorIs(t, err, domain.ErrReportNotFound)
}

func TestListReportsPaginates(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()

	var ids []snowflake.ID
	for i := 0; i < 3; i++ {
		report, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodStart: marchStart, PeriodEnd: aprilStart})
		require.NoError(t, err)
		ids = append(ids, report.ID)
	}

	page, err := f.svc.ListReports(ctx, domain.ListReportsRequest{})
	require.NoError(t, err)
	require.Len(t, page.Reports, 3)
	assert.Equal(t, ids[2], page.Reports[0].ID)

	small, err := f.svc.ListReports(ctx, domain.ListReportsRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, small.Reports, 2)
	require.True(t, small.HasMore)

	rest, err := f.svc.ListReports(ctx, domain.ListReportsRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: small.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, rest.Reports, 1)
	assert.Equal(t, ids[0], rest.Reports[0].ID)

	_, err = f.svc.ListReports(ctx, domain.ListReportsRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestStatisticsAggregatesReports(t *testing.T) {
	f := setup(t, time.Second)
	ctx := context.Background()
	invoice := f.invoice(t, 2000)
	f.payment(t, invoice.ID, "stripe", "pi_1", paymentdomain.StatusCompleted, 1000, march(2))
	f.payment(t, invoice.ID, "stripe", "pi_2", paymentdomain.StatusPending, 1000, march(3))

	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_1").Return(paymentdomain.StatusCompleted, nil).Times(2)
	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_2").Return(paymentdomain.StatusPending, nil)
	f.stripe.EXPECT().CheckStatus(gomock.Any(), "pi_2").Return(paymentdomain.Status(""), errors.New("boom"))

	_, err := f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodStart: marchStart, PeriodEnd: aprilStart})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.svc.GenerateReport(ctx, domain.GenerateReportRequest{PeriodStart: marchStart, PeriodEnd: aprilStart})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	stats, err := f.svc.Statistics(ctx, domain.StatisticsRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Reports)
	assert.Equal(t, 4, stats.PaymentsChecked)
	assert.Equal(t, 3, stats.Matched)
	assert.Equal(t, 1, stats.Unmatched)
	assert.Equal(t, 1, stats.Discrepancies)
	assert.True(t, stats.AmountChecked.Equal(decimal.NewFromInt(4000)))
	assert.Equal(t, "75", stats.MatchRate.String())
	assert.Equal(t, int64(1), stats.OpenAlerts)
	assert.Equal(t, int64(1), stats.OpenAlertsSeverity[domain.SeverityMedium])

	_, err = f.svc.Statistics(ctx, domain.StatisticsRequest{From: aprilStart, To: marchStart})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
}
