package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/events"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/lexbill/internal/invoice/repository"
	milestonedomain "github.com/smallbiznis/lexbill/internal/milestone/domain"
	milestonerepo "github.com/smallbiznis/lexbill/internal/milestone/repository"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/lexbill/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	svc       *Service
	publisher *events.Recorder
	caseID    snowflake.ID
	clientID  snowflake.ID
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
		&milestonedomain.BillingNode{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&invoicedomain.TimeEntry{},
		&invoicedomain.Expense{},
		&invoicedomain.InvoiceSequence{},
		&paymentdomain.Payment{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	rules := config.DefaultBillingRules()
	rules.TaxRates = nil
	rules.DefaultTaxRate = 0.1
	rules.PaymentTermsDays = 14

	f := &fixture{
		db:        conn,
		node:      node,
		clock:     clock.NewFakeClock(time.Date(2026, 3, 31, 22, 0, 0, 0, time.UTC)),
		publisher: &events.Recorder{},
		caseID:    node.Generate(),
		clientID:  node.Generate(),
	}
	f.svc = NewService(ServiceParam{
		DB:          conn,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       f.clock,
		Rules:       config.NewStaticBillingRules(rules),
		Repo:        invoicerepo.Provide(),
		NodeRepo:    milestonerepo.Provide(),
		PaymentRepo: paymentrepo.Provide(),
		Publisher:   f.publisher,
	}).(*Service)
	return f
}

func (f *fixture) milestone(t *testing.T, order int, amount string, status milestonedomain.NodeStatus) milestonedomain.BillingNode {
	t.Helper()
	now := f.clock.Now()
	node := milestonedomain.BillingNode{
		ID:       f.node.Generate(),
		CaseID:   f.caseID,
		ClientID: f.clientID,
		CaseType: "litigation",
		Phase:    "pleadings",
		Order:    order,
		Name:     fmt.Sprintf("Milestone %d", order),
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		Status:   status,
		Active:   true,
	}
	if status == milestonedomain.NodeStatusCompleted {
		node.CompletedAt = &now
	}
	require.NoError(t, f.db.Create(&node).Error)
	return node
}

func (f *fixture) timeEntry(t *testing.T, hours, rate, currency string) invoicedomain.TimeEntry {
	t.Helper()
	entry, err := f.svc.RecordTimeEntry(context.Background(), invoicedomain.RecordTimeEntryRequest{
		CaseID:      f.caseID.String(),
		Description: "drafting",
		Hours:       decimal.RequireFromString(hours),
		Rate:        decimal.RequireFromString(rate),
		Currency:    currency,
	})
	require.NoError(t, err)
	return entry
}

func (f *fixture) expense(t *testing.T, amount string, billable bool) invoicedomain.Expense {
	t.Helper()
	expense, err := f.svc.RecordExpense(context.Background(), invoicedomain.RecordExpenseRequest{
		CaseID:      f.caseID.String(),
		Description: "court filing",
		Amount:      decimal.RequireFromString(amount),
		Currency:    "usd",
		Billable:    &billable,
	})
	require.NoError(t, err)
	return expense
}

func TestGenerateInvoiceForMilestone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	node := f.milestone(t, 1, "1000", milestonedomain.NodeStatusCompleted)
	usdEntry := f.timeEntry(t, "2.5", "200", "USD")
	eurEntry := f.timeEntry(t, "1", "300", "EUR")
	billable := f.expense(t, "50", true)
	f.expense(t, "75", false)

	invoice, err := f.svc.GenerateInvoiceForMilestone(ctx, node.ID)
	require.NoError(t, err)

	assert.Equal(t, "INV-202603-000001", invoice.Number)
	assert.Equal(t, invoicedomain.InvoiceStatusUnpaid, invoice.Status)
	require.Len(t, invoice.Items, 3)
	assert.Equal(t, invoicedomain.ItemKindBillingNode, invoice.Items[0].Kind)
	assert.Equal(t, usdEntry.ID, invoice.Items[1].SourceID)
	assert.Equal(t, billable.ID, invoice.Items[2].SourceID)

	// 1000 + 2.5*200 + 50
	assert.True(t, invoice.Subtotal.Equal(decimal.RequireFromString("1550")), invoice.Subtotal.String())
	assert.True(t, invoice.TaxAmount.Equal(decimal.RequireFromString("155")))
	assert.True(t, invoice.Total.Equal(decimal.RequireFromString("1705")))
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 14), invoice.DueAt)

	var stored milestonedomain.BillingNode
	require.NoError(t, f.db.First(&stored, "id = ?", node.ID).Error)
	require.NotNil(t, stored.InvoiceID)
	assert.Equal(t, invoice.ID, *stored.InvoiceID)

	var billedEntry invoicedomain.TimeEntry
	require.NoError(t, f.db.First(&billedEntry, "id = ?", usdEntry.ID).Error)
	assert.True(t, billedEntry.Billed)
	var otherCurrency invoicedomain.TimeEntry
	require.NoError(t, f.db.First(&otherCurrency, "id = ?", eurEntry.ID).Error)
	assert.False(t, otherCurrency.Billed)

	assert.Equal(t, 1, f.publisher.Count(events.RoutingInvoiceGenerated))

	got, err := f.svc.GetInvoice(ctx, invoice.ID.String())
	require.NoError(t, err)
	assert.Len(t, got.Items, 3)
	assert.Nil(t, got.LateFee)
}

func TestGenerateIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	node := f.milestone(t, 1, "500", milestonedomain.NodeStatusCompleted)

	_, err := f.svc.GenerateInvoiceForMilestone(ctx, node.ID)
	require.NoError(t, err)

	_, err = f.svc.GenerateInvoiceForMilestone(ctx, node.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrAlreadyInvoiced)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerateRejectsIneligibleNodes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	pending := f.milestone(t, 1, "500", milestonedomain.NodeStatusPending)
	_, err := f.svc.GenerateInvoiceForMilestone(ctx, pending.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrNodeNotCompleted)

	free := f.milestone(t, 2, "0", milestonedomain.NodeStatusCompleted)
	_, err = f.svc.GenerateInvoiceForMilestone(ctx, free.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrNodeAmountInvalid)

	_, err = f.svc.GenerateInvoiceForMilestone(ctx, f.node.Generate())
	assert.ErrorIs(t, err, milestonedomain.ErrNodeNotFound)
}

func TestConcurrentGenerationCreatesOneInvoice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	node := f.milestone(t, 1, "800", milestonedomain.NodeStatusCompleted)
	f.timeEntry(t, "1", "100", "USD")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.GenerateInvoiceForMilestone(ctx, node.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, invoicedomain.ErrAlreadyInvoiced):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)

	var items int64
	require.NoError(t, f.db.Model(&invoicedomain.InvoiceItem{}).Where("kind = ?", invoicedomain.ItemKindTimeEntry).Count(&items).Error)
	assert.Equal(t, int64(1), items)
}

func TestUnbilledWorkIsBilledOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first := f.milestone(t, 1, "100", milestonedomain.NodeStatusCompleted)
	second := f.milestone(t, 2, "100", milestonedomain.NodeStatusCompleted)
	f.timeEntry(t, "1", "100", "USD")

	a, err := f.svc.GenerateInvoiceForMilestone(ctx, first.ID)
	require.NoError(t, err)
	b, err := f.svc.GenerateInvoiceForMilestone(ctx, second.ID)
	require.NoError(t, err)

	assert.Len(t, a.Items, 2)
	assert.Len(t, b.Items, 1)
	assert.True(t, b.Subtotal.Equal(decimal.NewFromInt(100)))
}

func TestInvoiceNumbersAreMonotonicPerMonth(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var numbers []string
	for i := 1; i <= 3; i++ {
		node := f.milestone(t, i, "100", milestonedomain.NodeStatusCompleted)
		invoice, err := f.svc.GenerateInvoiceForMilestone(ctx, node.ID)
		require.NoError(t, err)
		numbers = append(numbers, invoice.Number)
	}
	assert.Equal(t, []string{"INV-202603-000001", "INV-202603-000002", "INV-202603-000003"}, numbers)

	f.clock.Advance(3 * time.Hour)
	node := f.milestone(t, 4, "100", milestonedomain.NodeStatusCompleted)
	invoice, err := f.svc.GenerateInvoiceForMilestone(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-202604-000001", invoice.Number)
	assert.Equal(t, "202604", invoice.Period)
}

func TestAutoGenerateContinuesOnError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	good := f.milestone(t, 1, "300", milestonedomain.NodeStatusCompleted)
	bad := f.milestone(t, 2, "0", milestonedomain.NodeStatusCompleted)
	f.milestone(t, 3, "300", milestonedomain.NodeStatusPending)

	result, err := f.svc.AutoGenerateInvoices(ctx, f.caseID)
	require.NoError(t, err)
	require.Len(t, result.Generated, 1)
	assert.Equal(t, good.ID, *result.Generated[0].BillingNodeID)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, bad.ID, result.Failed[0].BillingNodeID)
	assert.Equal(t, "billing_node_amount_invalid", result.Failed[0].Code)

	// node failures stay in the result, never in the error
	result, err = f.svc.AutoGenerateInvoices(ctx, f.caseID)
	require.NoError(t, err)
	assert.Empty(t, result.Generated)
	require.Len(t, result.Failed, 1)

	_, err = f.svc.AutoGenerateInvoices(ctx, 0)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidCaseID)
}

func TestCancelInvoice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	paid, err := f.svc.GenerateInvoiceForMilestone(ctx, f.milestone(t, 1, "100", milestonedomain.NodeStatusCompleted).ID)
	require.NoError(t, err)
	require.NoError(t, f.db.Create(&paymentdomain.Payment{
		ID:             f.node.Generate(),
		InvoiceID:      paid.ID,
		Amount:         decimal.NewFromInt(10),
		RefundedAmount: decimal.Zero,
		Currency:       "USD",
		Method:         "cash",
		Status:         paymentdomain.StatusCompleted,
	}).Error)
	_, err = f.svc.CancelInvoice(ctx, paid.ID.String(), "duplicate")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotCancellable)

	open, err := f.svc.GenerateInvoiceForMilestone(ctx, f.milestone(t, 2, "100", milestonedomain.NodeStatusCompleted).ID)
	require.NoError(t, err)
	cancelled, err := f.svc.CancelInvoice(ctx, open.ID.String(), "raised in error")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusCancelled, cancelled.Status)

	_, err = f.svc.CancelInvoice(ctx, open.ID.String(), "again")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotCancellable)

	list, err := f.svc.ListInvoices(ctx, invoicedomain.ListInvoiceRequest{CaseID: f.caseID.String(), Status: "cancelled"})
	require.NoError(t, err)
	require.Len(t, list.Invoices, 1)
	assert.Equal(t, open.ID, list.Invoices[0].ID)
}

func TestListInvoicesPaginates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := f.svc.GenerateInvoiceForMilestone(ctx, f.milestone(t, i, "100", milestonedomain.NodeStatusCompleted).ID)
		require.NoError(t, err)
	}

	req := invoicedomain.ListInvoiceRequest{CaseID: f.caseID.String()}
	req.PageSize = 2
	page, err := f.svc.ListInvoices(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Invoices, 2)
	assert.True(t, page.HasMore)

	req.PageToken = page.NextPageToken
	page, err = f.svc.ListInvoices(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Invoices, 1)
	assert.False(t, page.HasMore)

	_, err = f.svc.ListInvoices(ctx, invoicedomain.ListInvoiceRequest{Status: "OVERDUE"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
}

func TestLateFee(t *testing.T) {
	due := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	invoice := invoicedomain.Invoice{
		Total:      decimal.NewFromInt(1000),
		AmountPaid: decimal.NewFromInt(200),
		DueAt:      due,
	}
	rate := decimal.RequireFromString("0.015")

	assert.True(t, LateFee(invoice, due, rate).IsZero())
	assert.True(t, LateFee(invoice, due.Add(24*time.Hour), rate).Equal(decimal.NewFromInt(12)))
	assert.True(t, LateFee(invoice, due.Add(31*24*time.Hour), rate).Equal(decimal.NewFromInt(24)))
	assert.True(t, LateFee(invoice, due.Add(time.Hour), decimal.Zero).IsZero())
}

func TestRecordTimeEntryValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.RecordTimeEntry(ctx, invoicedomain.RecordTimeEntryRequest{CaseID: "x", Hours: decimal.NewFromInt(1), Currency: "USD"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidCaseID)

	_, err = f.svc.RecordTimeEntry(ctx, invoicedomain.RecordTimeEntryRequest{CaseID: f.caseID.String(), Currency: "USD"})
	assert.Error(t, err)

	_, err = f.svc.RecordExpense(ctx, invoicedomain.RecordExpenseRequest{CaseID: f.caseID.String(), Amount: decimal.NewFromInt(5)})
	assert.Error(t, err)
}
