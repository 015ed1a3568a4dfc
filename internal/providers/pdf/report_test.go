package pdf

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateReconciliationReport(t *testing.T) {
	provider := New()

	reader, err := provider.GenerateReconciliationReport(context.Background(), ReportData{
		ReportID:         "1",
		Period:           "2026-03-01 to 2026-03-31",
		GeneratedAt:      "2026-04-01 00:00 UTC",
		AutoMatch:        true,
		TotalPayments:    "2",
		TotalAmount:      "1500.00",
		MatchedCount:     "1",
		MatchedAmount:    "1000.00",
		UnmatchedCount:   "1",
		UnmatchedAmount:  "500.00",
		DiscrepancyCount: "1",
		CorrectedCount:   "0",
		Payments: []ReportPayment{
			{PaymentID: "10", InvoiceID: "20", Method: "stripe", Status: "COMPLETED", Amount: "1000.00", Matched: true},
			{PaymentID: "11", InvoiceID: "21", Method: "paypal", Status: "PENDING", Amount: "500.00"},
		},
		Discrepancies: []ReportDiscrepancy{
			{PaymentID: "11", Type: "RECONCILIATION_ERROR", Severity: "MEDIUM", LocalStatus: "PENDING", Description: "gateway unavailable"},
		},
	})
	require.NoError(t, err)

	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(body, []byte("%PDF")))
}

func TestGenerateReconciliationReportCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().GenerateReconciliationReport(ctx, ReportData{})
	require.ErrorIs(t, err, context.Canceled)
}
