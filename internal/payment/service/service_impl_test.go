package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	auditdomain "github.com/smallbiznis/lexbill/internal/audit/domain"
	auditservice "github.com/smallbiznis/lexbill/internal/audit/service"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/events"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	"github.com/smallbiznis/lexbill/internal/invoice/projector"
	invoicerepo "github.com/smallbiznis/lexbill/internal/invoice/repository"
	"github.com/smallbiznis/lexbill/internal/lock"
	"github.com/smallbiznis/lexbill/internal/payment/adapters"
	"github.com/smallbiznis/lexbill/internal/payment/adapters/manual"
	"github.com/smallbiznis/lexbill/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/lexbill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/lexbill/internal/payment/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	svc       paymentdomain.Service
	publisher *events.Recorder
	clock     *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&paymentdomain.Payment{},
		&paymentdomain.EventRecord{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	log := zap.NewNop()
	repo := paymentrepo.Provide()
	invoiceRepo := invoicerepo.Provide()
	lookup := func(ctx context.Context, method, reference string) (*paymentdomain.Payment, error) {
		return repo.FindByGatewayReference(ctx, conn, method, reference)
	}
	registry := adapters.NewRegistry(
		stripe.New(stripe.Config{APIKey: "sk_test", WebhookSecret: webhookSecret}),
		manual.New(manual.MethodCash, lookup),
		manual.New(manual.MethodBankTransfer, lookup),
	)

	fx := &fixture{
		db:        conn,
		node:      node,
		publisher: &events.Recorder{},
		clock:     clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
	}
	fx.svc = paymentservice.NewService(paymentservice.Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       fx.clock,
		Repo:        repo,
		InvoiceRepo: invoiceRepo,
		Projector:   projector.New(projector.Params{Log: log, Clock: fx.clock, InvoiceRepo: invoiceRepo, PaymentRepo: repo}),
		Registry:    registry,
		Locker:      lock.NewLocalLocker(),
		AuditSvc:    auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node}),
		Publisher:   fx.publisher,
	})
	return fx
}

func (f *fixture) invoice(t *testing.T, total int64, status invoicedomain.InvoiceStatus) invoicedomain.Invoice {
	t.Helper()
	now := f.clock.Now()
	id := f.node.Generate()
	invoice := invoicedomain.Invoice{
		ID:         id,
		CaseID:     f.node.Generate(),
		ClientID:   f.node.Generate(),
		Number:     "INV-202603-" + id.String(),
		Period:     "202603",
		Sequence:   id.Int64(),
		Status:     status,
		Subtotal:   decimal.NewFromInt(total),
		TaxRate:    decimal.Zero,
		TaxAmount:  decimal.Zero,
		Total:      decimal.NewFromInt(total),
		AmountPaid: decimal.Zero,
		Currency:   "USD",
		IssuedAt:   now,
		DueAt:      now.AddDate(0, 0, 30),
	}
	require.NoError(t, f.db.Create(&invoice).Error)
	return invoice
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice, "id = ?", id).Error)
	return invoice
}

func TestCreateProjectsInvoiceStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoice := f.invoice(t, 1000, invoicedomain.InvoiceStatusUnpaid)

	first, err := f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(),
		Amount:    decimal.NewFromInt(400),
		Currency:  "usd",
		Method:    "Cash",
		Status:    "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, first.Status)
	assert.Equal(t, "cash", first.Method)
	assert.Equal(t, first.ID.String(), first.Reference)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, f.reload(t, invoice.ID).Status)

	_, err = f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(),
		Amount:    decimal.NewFromInt(600),
		Currency:  "USD",
		Method:    "bank_transfer",
		Reference: "BT-77",
		Status:    "COMPLETED",
	})
	require.NoError(t, err)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.True(t, stored.AmountPaid.Equal(decimal.NewFromInt(1000)))
	assert.NotNil(t, stored.PaidAt)

	var audits int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).Where("action = ?", "payment.created").Count(&audits).Error)
	assert.Equal(t, int64(2), audits)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	open := f.invoice(t, 100, invoicedomain.InvoiceStatusUnpaid)
	cancelled := f.invoice(t, 100, invoicedomain.InvoiceStatusCancelled)

	base := paymentdomain.CreatePaymentRequest{
		InvoiceID: open.ID.String(),
		Amount:    decimal.NewFromInt(50),
		Currency:  "USD",
		Method:    "cash",
	}

	cases := []struct {
		name   string
		mutate func(*paymentdomain.CreatePaymentRequest)
		kind   apperror.Kind
		code   string
	}{
		{"zero amount", func(r *paymentdomain.CreatePaymentRequest) { r.Amount = decimal.Zero }, apperror.KindValidation, "invalid"},
		{"missing currency", func(r *paymentdomain.CreatePaymentRequest) { r.Currency = "" }, apperror.KindValidation, "required"},
		{"unknown method", func(r *paymentdomain.CreatePaymentRequest) { r.Method = "crypto" }, apperror.KindValidation, "unsupported"},
		{"bad status", func(r *paymentdomain.CreatePaymentRequest) { r.Status = "REFUNDED" }, apperror.KindValidation, "invalid"},
		{"missing invoice", func(r *paymentdomain.CreatePaymentRequest) { r.InvoiceID = f.node.Generate().String() }, apperror.KindNotFound, "invoice_not_found"},
		{"cancelled invoice", func(r *paymentdomain.CreatePaymentRequest) { r.InvoiceID = cancelled.ID.String() }, apperror.KindValidation, "invoice_not_payable"},
		{"currency mismatch", func(r *paymentdomain.CreatePaymentRequest) { r.Currency = "EUR" }, apperror.KindValidation, "currency_mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.svc.Create(ctx, req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperror.KindOf(err))
			assert.Equal(t, tc.code, apperror.CodeOf(err))
		})
	}
}

func TestCancelOnlyPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoice := f.invoice(t, 100, invoicedomain.InvoiceStatusUnpaid)

	pending, err := f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(100), Currency: "USD", Method: "cash",
	})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, pending.ID.String(), "client changed method")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, pending.ID.String(), "again")
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotCancellable)

	_, err = f.svc.Cancel(ctx, "not-an-id", "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPaymentID)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	change, ok := published[0].Data.(*paymentdomain.StatusChanged)
	require.True(t, ok)
	assert.Equal(t, paymentdomain.StatusPending, change.From)
	assert.Equal(t, paymentdomain.StatusCancelled, change.To)
}

func TestRefundPartialThenFull(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoice := f.invoice(t, 1000, invoicedomain.InvoiceStatusUnpaid)

	payment, err := f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(1000), Currency: "USD", Method: "cash", Status: "COMPLETED",
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, f.reload(t, invoice.ID).Status)

	partial := decimal.NewFromInt(250)
	refunded, err := f.svc.Refund(ctx, paymentdomain.RefundRequest{PaymentID: payment.ID.String(), Amount: &partial})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, refunded.Status)
	assert.True(t, refunded.RefundedAmount.Equal(partial))

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, stored.Status)
	assert.True(t, stored.AmountPaid.Equal(decimal.NewFromInt(750)))
	assert.Nil(t, stored.PaidAt)

	tooMuch := decimal.NewFromInt(751)
	_, err = f.svc.Refund(ctx, paymentdomain.RefundRequest{PaymentID: payment.ID.String(), Amount: &tooMuch})
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsPaid)

	refunded, err = f.svc.Refund(ctx, paymentdomain.RefundRequest{PaymentID: payment.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusRefunded, refunded.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, f.reload(t, invoice.ID).Status)

	_, err = f.svc.Refund(ctx, paymentdomain.RefundRequest{PaymentID: payment.ID.String()})
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotRefundable)
}

func TestScheduleRequiresFutureDate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoice := f.invoice(t, 100, invoicedomain.InvoiceStatusUnpaid)
	req := paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(100), Currency: "USD", Method: "bank_transfer",
		Status: "COMPLETED",
	}

	_, err := f.svc.Schedule(ctx, paymentdomain.SchedulePaymentRequest{CreatePaymentRequest: req, ScheduledFor: f.clock.Now().Add(-time.Hour)})
	assert.ErrorIs(t, err, paymentdomain.ErrScheduleInPast)

	scheduled, err := f.svc.Schedule(ctx, paymentdomain.SchedulePaymentRequest{CreatePaymentRequest: req, ScheduledFor: f.clock.Now().AddDate(0, 0, 7)})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusPending, scheduled.Status)
	require.NotNil(t, scheduled.ScheduledFor)
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, f.reload(t, invoice.ID).Status)
}

func signedHeader(payload []byte, at time.Time) http.Header {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", at.Unix(), payload)))
	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil))))
	return header
}

func TestProcessWebhookIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoice := f.invoice(t, 25, invoicedomain.InvoiceStatusUnpaid)

	payment, err := f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(25), Currency: "USD", Method: "stripe", TransactionID: "pi_1",
	})
	require.NoError(t, err)

	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"pi_1","amount":2500,"amount_received":2500,"currency":"usd"}}}`,
		time.Now().Unix(),
	))
	header := signedHeader(payload, time.Now())

	require.NoError(t, f.svc.ProcessWebhook(ctx, "stripe", payload, header))
	require.NoError(t, f.svc.ProcessWebhook(ctx, "stripe", payload, header))

	got, err := f.svc.Get(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.reload(t, invoice.ID).Status)
	assert.Equal(t, 1, f.publisher.Count(events.RoutingPaymentStatusChanged))

	var stored int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Count(&stored).Error)
	assert.Equal(t, int64(1), stored)

	err = f.svc.ProcessWebhook(ctx, "stripe", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = f.svc.ProcessWebhook(ctx, "cash", payload, header)
	assert.ErrorIs(t, err, paymentdomain.ErrWebhookNotSupported)
}

func TestStatisticsCachedUntilWrite(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoice := f.invoice(t, 1000, invoicedomain.InvoiceStatusUnpaid)
	window := paymentdomain.StatisticsRequest{From: f.clock.Now().Add(-time.Hour), To: f.clock.Now().Add(time.Hour)}

	_, err := f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(300), Currency: "USD", Method: "cash", Status: "COMPLETED",
	})
	require.NoError(t, err)

	stats, err := f.svc.Statistics(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCount)
	assert.True(t, stats.ByStatus[paymentdomain.StatusCompleted].Amount.Equal(decimal.NewFromInt(300)))

	_, err = f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(200), Currency: "USD", Method: "bank_transfer",
	})
	require.NoError(t, err)

	stats, err = f.svc.Statistics(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalCount)
	assert.True(t, stats.TotalAmount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, int64(1), stats.ByMethod["bank_transfer"].Count)

	_, err = f.svc.Statistics(ctx, paymentdomain.StatisticsRequest{From: window.To, To: window.From})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTimeRange)
}

func TestStatisticsRefreshAfterCommit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoice := f.invoice(t, 1000, invoicedomain.InvoiceStatusUnpaid)
	window := paymentdomain.StatisticsRequest{From: f.clock.Now().Add(-time.Hour), To: f.clock.Now().Add(time.Hour)}

	created, err := f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(400), Currency: "USD", Method: "cash",
	})
	require.NoError(t, err)

	stats, err := f.svc.Statistics(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByStatus[paymentdomain.StatusPending].Count)

	// a transition leaves the cache alone until the caller's commit
	repo := paymentrepo.Provide()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		locked, err := repo.FindForUpdate(ctx, tx, created.ID)
		if err != nil {
			return err
		}
		return f.svc.ApplyTransition(ctx, tx, locked, paymentdomain.Transition{To: paymentdomain.StatusCompleted, Source: "test"})
	}))
	stats, err = f.svc.Statistics(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByStatus[paymentdomain.StatusPending].Count)

	f.svc.InvalidateStatistics()
	stats, err = f.svc.Statistics(ctx, window)
	require.NoError(t, err)
	assert.Zero(t, stats.ByStatus[paymentdomain.StatusPending].Count)
	assert.Equal(t, int64(1), stats.ByStatus[paymentdomain.StatusCompleted].Count)
	assert.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, f.reload(t, invoice.ID).Status)

	second, err := f.svc.Create(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID: invoice.ID.String(), Amount: decimal.NewFromInt(100), Currency: "USD", Method: "cash",
	})
	require.NoError(t, err)
	_, err = f.svc.Statistics(ctx, window)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, second.ID.String(), "")
	require.NoError(t, err)
	stats, err = f.svc.Statistics(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByStatus[paymentdomain.StatusCancelled].Count)
}
