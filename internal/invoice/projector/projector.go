// Package projector derives an invoice's payment status from its payments.
package projector

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/clock"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Projection is the derived payment state of one invoice.
type Projection struct {
	Status     invoicedomain.InvoiceStatus
	AmountPaid decimal.Decimal
}

// Project sums settled payments and maps the result to a status. Cancelled
// and draft invoices keep their status.
func Project(invoice invoicedomain.Invoice, payments []paymentdomain.Payment) Projection {
	paid := decimal.Zero
	for _, payment := range payments {
		paid = paid.Add(payment.NetPaid())
	}

	out := Projection{Status: invoice.Status, AmountPaid: paid}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusCancelled, invoicedomain.InvoiceStatusDraft:
		return out
	}

	switch {
	case paid.IsPositive() && paid.GreaterThanOrEqual(invoice.Total):
		out.Status = invoicedomain.InvoiceStatusPaid
	case paid.IsPositive():
		out.Status = invoicedomain.InvoiceStatusPartiallyPaid
	default:
		out.Status = invoicedomain.InvoiceStatusUnpaid
	}
	return out
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock `optional:"true"`
	InvoiceRepo invoicedomain.Repository
	PaymentRepo paymentdomain.Repository
}

type Projector struct {
	log         *zap.Logger
	invoiceRepo invoicedomain.Repository
	paymentRepo paymentdomain.Repository
	clock       clock.Clock
}

func New(p Params) invoicedomain.StatusProjector {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Projector{
		log:         p.Log.Named("invoice.projector"),
		invoiceRepo: p.InvoiceRepo,
		paymentRepo: p.PaymentRepo,
		clock:       clk,
	}
}

// Recompute locks the invoice row, re-derives its status from the payments
// visible in tx and writes it back when anything changed.
func (p *Projector) Recompute(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	invoice, err := p.invoiceRepo.FindForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}

	payments, err := p.paymentRepo.ListByInvoice(ctx, tx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	projection := Project(*invoice, payments)
	if invoice.Status == invoicedomain.InvoiceStatusCancelled {
		return *invoice, nil
	}
	if projection.Status == invoice.Status && projection.AmountPaid.Equal(invoice.AmountPaid) {
		return *invoice, nil
	}

	fields := map[string]any{
		"status":      projection.Status,
		"amount_paid": projection.AmountPaid,
	}
	switch {
	case projection.Status == invoicedomain.InvoiceStatusPaid && invoice.PaidAt == nil:
		paidAt := p.clock.Now().UTC()
		fields["paid_at"] = paidAt
		invoice.PaidAt = &paidAt
	case projection.Status != invoicedomain.InvoiceStatusPaid && invoice.PaidAt != nil:
		fields["paid_at"] = nil
		invoice.PaidAt = nil
	}
	if err := p.invoiceRepo.UpdateFields(ctx, tx, invoice.ID, fields); err != nil {
		return invoicedomain.Invoice{}, err
	}

	p.log.Info("invoice status projected",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("from", string(invoice.Status)),
		zap.String("to", string(projection.Status)),
		zap.String("amount_paid", projection.AmountPaid.StringFixed(2)),
	)
	invoice.Status = projection.Status
	invoice.AmountPaid = projection.AmountPaid
	return *invoice, nil
}
