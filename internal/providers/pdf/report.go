package pdf

import (
	"bytes"
	"context"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// ReportData is a reconciliation report with every value already formatted
// for print.
type ReportData struct {
	ReportID    string
	Period      string
	GeneratedAt string
	AutoMatch   bool

	TotalPayments    string
	TotalAmount      string
	MatchedCount     string
	MatchedAmount    string
	UnmatchedCount   string
	UnmatchedAmount  string
	DiscrepancyCount string
	CorrectedCount   string

	Payments      []ReportPayment
	Discrepancies []ReportDiscrepancy
}

type ReportPayment struct {
	PaymentID string
	InvoiceID string
	Method    string
	Status    string
	Amount    string
	Matched   bool
}

type ReportDiscrepancy struct {
	PaymentID     string
	Type          string
	Severity      string
	LocalStatus   string
	GatewayStatus string
	Description   string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateReconciliationReport(ctx context.Context, report ReportData) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Payment reconciliation report", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	autoMatch := "off"
	if report.AutoMatch {
		autoMatch = "on"
	}
	m.AddRow(18,
		col.New(8).Add(
			text.New("Report: "+report.ReportID, props.Text{Top: 0, Size: 9}),
			text.New("Period: "+report.Period, props.Text{Top: 4, Size: 9}),
			text.New("Generated: "+report.GeneratedAt, props.Text{Top: 8, Size: 9}),
			text.New("Auto-match: "+autoMatch, props.Text{Top: 12, Size: 9}),
		),
		col.New(4),
	)

	m.AddRow(10,
		text.NewCol(12, "Summary", props.Text{Size: 12, Style: fontstyle.Bold, Top: 3}),
	)
	summaryRow(m, "Payments", report.TotalPayments, report.TotalAmount)
	summaryRow(m, "Matched", report.MatchedCount, report.MatchedAmount)
	summaryRow(m, "Unmatched", report.UnmatchedCount, report.UnmatchedAmount)
	summaryRow(m, "Discrepancies", report.DiscrepancyCount, "")
	summaryRow(m, "Corrected", report.CorrectedCount, "")

	m.AddRow(12,
		text.NewCol(12, "Payments", props.Text{Size: 12, Style: fontstyle.Bold, Top: 5}),
	)
	m.AddRow(8,
		text.NewCol(3, "Payment", props.Text{Style: fontstyle.Bold, Size: 8}),
		text.NewCol(3, "Invoice", props.Text{Style: fontstyle.Bold, Size: 8}),
		text.NewCol(2, "Method", props.Text{Style: fontstyle.Bold, Size: 8}),
		text.NewCol(2, "Status", props.Text{Style: fontstyle.Bold, Size: 8}),
		text.NewCol(1, "Amount", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
		text.NewCol(1, "Matched", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
	)
	for _, payment := range report.Payments {
		matched := "no"
		if payment.Matched {
			matched = "yes"
		}
		m.AddRow(6,
			text.NewCol(3, payment.PaymentID, props.Text{Size: 8}),
			text.NewCol(3, payment.InvoiceID, props.Text{Size: 8}),
			text.NewCol(2, payment.Method, props.Text{Size: 8}),
			text.NewCol(2, payment.Status, props.Text{Size: 8}),
			text.NewCol(1, payment.Amount, props.Text{Size: 8, Align: align.Right}),
			text.NewCol(1, matched, props.Text{Size: 8, Align: align.Right}),
		)
	}

	if len(report.Discrepancies) > 0 {
		m.AddRow(12,
			text.NewCol(12, "Discrepancies", props.Text{Size: 12, Style: fontstyle.Bold, Top: 5}),
		)
		for _, d := range report.Discrepancies {
			m.AddRow(6,
				text.NewCol(3, d.PaymentID, props.Text{Size: 8}),
				text.NewCol(3, d.Type, props.Text{Size: 8, Style: fontstyle.Bold}),
				text.NewCol(2, d.Severity, props.Text{Size: 8}),
				text.NewCol(2, d.LocalStatus, props.Text{Size: 8}),
				text.NewCol(2, d.GatewayStatus, props.Text{Size: 8, Align: align.Right}),
			)
			m.AddRow(8,
				text.NewCol(12, d.Description, props.Text{Size: 7, Top: 1}),
			)
		}
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}

func summaryRow(m core.Maroto, label, count, amount string) {
	m.AddRow(6,
		text.NewCol(4, label, props.Text{Size: 9}),
		text.NewCol(2, count, props.Text{Size: 9, Align: align.Right}),
		text.NewCol(3, amount, props.Text{Size: 9, Align: align.Right}),
		col.New(3),
	)
}
