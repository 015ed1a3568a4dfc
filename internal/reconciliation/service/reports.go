package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"github.com/smallbiznis/lexbill/internal/providers/pdf"
	"github.com/smallbiznis/lexbill/internal/reconciliation/domain"
	"github.com/smallbiznis/lexbill/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var csvHeader = []string{"payment_id", "invoice_id", "amount", "currency", "method", "status", "created_at", "matched"}

func (s *Service) GetReport(ctx context.Context, id string) (domain.Report, error) {
	reportID, err := parseID(id, domain.ErrInvalidReportID)
	if err != nil {
		return domain.Report{}, err
	}
	report, err := s.repo.FindReport(ctx, s.db, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if report == nil {
		return domain.Report{}, domain.ErrReportNotFound
	}
	return *report, nil
}

func (s *Service) ListReports(ctx context.Context, req domain.ListReportsRequest) (domain.ListReportsResponse, error) {
	afterID, err := afterIDFromToken(req.PageToken)
	if err != nil {
		return domain.ListReportsResponse{}, err
	}

	limit := req.Pagination.Limit()
	reports, err := s.repo.ListReports(ctx, s.db, domain.ReportFilter{AfterID: afterID, Limit: limit + 1})
	if err != nil {
		return domain.ListReportsResponse{}, err
	}
	reports, pageInfo := pagination.Trim(reports, limit, func(r domain.Report) string {
		return r.ID.String()
	})
	return domain.ListReportsResponse{PageInfo: pageInfo, Reports: reports}, nil
}

// ExportReport renders a stored report. CSV rows list matched payments
// first.
func (s *Service) ExportReport(ctx context.Context, id string, format domain.ExportFormat) (domain.Export, error) {
	format = domain.ExportFormat(strings.ToLower(strings.TrimSpace(string(format))))
	if format == "" {
		format = domain.ExportCSV
	}
	if format != domain.ExportCSV && format != domain.ExportJSON && format != domain.ExportPDF {
		return domain.Export{}, domain.ErrInvalidExportFormat
	}

	report, err := s.GetReport(ctx, id)
	if err != nil {
		return domain.Export{}, err
	}

	filename := "reconciliation-" + report.ID.String() + "." + string(format)
	switch format {
	case domain.ExportJSON:
		body, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return domain.Export{}, err
		}
		return domain.Export{Filename: filename, ContentType: "application/json", Body: body}, nil
	case domain.ExportPDF:
		reader, err := s.pdf.GenerateReconciliationReport(ctx, reportData(report))
		if err != nil {
			return domain.Export{}, err
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return domain.Export{}, err
		}
		return domain.Export{Filename: filename, ContentType: "application/pdf", Body: body}, nil
	default:
		body, err := reportCSV(report)
		if err != nil {
			return domain.Export{}, err
		}
		return domain.Export{Filename: filename, ContentType: "text/csv", Body: body}, nil
	}
}

func reportCSV(report domain.Report) ([]byte, error) {
	b := &bytes.Buffer{}
	w := csv.NewWriter(b)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	write := func(entries []domain.PaymentEntry, matched string) error {
		for _, e := range entries {
			record := []string{
				e.PaymentID.String(),
				e.InvoiceID.String(),
				e.Amount.StringFixed(2),
				e.Currency,
				e.Method,
				string(e.Status),
				e.CreatedAt.UTC().Format(time.RFC3339),
				matched,
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(report.Matched, "yes"); err != nil {
		return nil, err
	}
	if err := write(report.Unmatched, "no"); err != nil {
		return nil, err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func reportData(report domain.Report) pdf.ReportData {
	summary := report.Summary.Data()
	data := pdf.ReportData{
		ReportID:         report.ID.String(),
		Period:           report.PeriodStart.Format("2006-01-02 15:04") + " to " + report.PeriodEnd.Format("2006-01-02 15:04"),
		GeneratedAt:      report.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"),
		AutoMatch:        report.AutoMatch,
		TotalPayments:    strconv.Itoa(summary.TotalPayments),
		TotalAmount:      summary.TotalAmount.StringFixed(2),
		MatchedCount:     strconv.Itoa(summary.MatchedCount),
		MatchedAmount:    summary.MatchedAmount.StringFixed(2),
		UnmatchedCount:   strconv.Itoa(summary.UnmatchedCount),
		UnmatchedAmount:  summary.UnmatchedAmount.StringFixed(2),
		DiscrepancyCount: strconv.Itoa(summary.DiscrepancyCount),
		CorrectedCount:   strconv.Itoa(summary.CorrectedCount),
	}
	for _, e := range report.Matched {
		data.Payments = append(data.Payments, reportPayment(e, true))
	}
	for _, e := range report.Unmatched {
		data.Payments = append(data.Payments, reportPayment(e, false))
	}
	for _, d := range report.Discrepancies {
		data.Discrepancies = append(data.Discrepancies, pdf.ReportDiscrepancy{
			PaymentID:     d.PaymentID.String(),
			Type:          string(d.Type),
			Severity:      string(d.Severity),
			LocalStatus:   string(d.LocalStatus),
			GatewayStatus: string(d.GatewayStatus),
			Description:   d.Description,
		})
	}
	return data
}

func reportPayment(e domain.PaymentEntry, matched bool) pdf.ReportPayment {
	return pdf.ReportPayment{
		PaymentID: e.PaymentID.String(),
		InvoiceID: e.InvoiceID.String(),
		Method:    e.Method,
		Status:    string(e.Status),
		Amount:    e.Amount.StringFixed(2) + " " + e.Currency,
		Matched:   matched,
	}
}

func (s *Service) ListAlerts(ctx context.Context, req domain.ListAlertsRequest) (domain.ListAlertsResponse, error) {
	afterID, err := afterIDFromToken(req.PageToken)
	if err != nil {
		return domain.ListAlertsResponse{}, err
	}

	limit := req.Pagination.Limit()
	filter := domain.AlertFilter{
		Resolved: req.Resolved,
		AfterID:  afterID,
		Limit:    limit + 1,
	}
	if v := strings.TrimSpace(req.Severity); v != "" {
		severity, ok := domain.ParseSeverity(strings.ToUpper(v))
		if !ok {
			return domain.ListAlertsResponse{}, domain.ErrInvalidSeverity
		}
		filter.Severity = severity
	}

	alerts, err := s.repo.ListAlerts(ctx, s.db, filter)
	if err != nil {
		return domain.ListAlertsResponse{}, err
	}
	alerts, pageInfo := pagination.Trim(alerts, limit, func(a domain.DiscrepancyAlert) string {
		return a.ID.String()
	})
	return domain.ListAlertsResponse{PageInfo: pageInfo, Alerts: alerts}, nil
}

// ResolveAlert records the human resolution of an alert. Resolution fields
// are written once.
func (s *Service) ResolveAlert(ctx context.Context, req domain.ResolveAlertRequest) (domain.DiscrepancyAlert, error) {
	alertID, err := parseID(req.AlertID, domain.ErrInvalidAlertID)
	if err != nil {
		return domain.DiscrepancyAlert{}, err
	}
	resolvedBy := strings.TrimSpace(req.ResolvedBy)
	if resolvedBy == "" {
		return domain.DiscrepancyAlert{}, apperror.Validation("resolved_by", "required", "resolved_by is required")
	}
	notes := strings.TrimSpace(req.Notes)

	var alert domain.DiscrepancyAlert
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindAlertForUpdate(ctx, tx, alertID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrAlertNotFound
		}
		if current.Resolved {
			return domain.ErrAlertAlreadyResolved
		}

		now := s.clock.Now().UTC()
		if err := s.repo.UpdateAlert(ctx, tx, alertID, map[string]any{
			"resolved":         true,
			"resolved_by":      resolvedBy,
			"resolution_notes": notes,
			"resolved_at":      now,
		}); err != nil {
			return err
		}
		current.Resolved = true
		current.ResolvedBy = &resolvedBy
		current.ResolutionNotes = &notes
		current.ResolvedAt = &now
		alert = *current
		return nil
	})
	if err != nil {
		return domain.DiscrepancyAlert{}, err
	}

	s.log.Info("discrepancy alert resolved",
		zap.String("alert_id", alert.ID.String()),
		zap.String("payment_id", alert.PaymentID.String()),
		zap.String("resolved_by", resolvedBy),
	)
	s.audit(ctx, "reconciliation.alert_resolved", "discrepancy_alert", alert.ID.String(), map[string]any{
		"payment_id":  alert.PaymentID.String(),
		"resolved_by": resolvedBy,
		"notes":       notes,
	})
	return alert, nil
}

// Statistics aggregates the reports generated in the window, 30 days back
// from now by default, plus the alerts still open.
func (s *Service) Statistics(ctx context.Context, req domain.StatisticsRequest) (domain.Statistics, error) {
	to := req.To
	if to.IsZero() {
		to = s.clock.Now()
	}
	from := req.From
	if from.IsZero() {
		from = to.Add(-statisticsWindow)
	}
	if !from.Before(to) {
		return domain.Statistics{}, domain.ErrInvalidPeriod
	}

	reports, err := s.repo.ListReportsGeneratedBetween(ctx, s.db, from, to)
	if err != nil {
		return domain.Statistics{}, err
	}
	open, err := s.repo.CountOpenAlerts(ctx, s.db)
	if err != nil {
		return domain.Statistics{}, err
	}

	stats := domain.Statistics{
		From:               from.UTC(),
		To:                 to.UTC(),
		Reports:            len(reports),
		AmountChecked:      decimal.Zero,
		MatchRate:          decimal.Zero,
		OpenAlertsSeverity: open,
	}
	for _, report := range reports {
		summary := report.Summary.Data()
		stats.PaymentsChecked += summary.TotalPayments
		stats.AmountChecked = stats.AmountChecked.Add(summary.TotalAmount)
		stats.Matched += summary.MatchedCount
		stats.Unmatched += summary.UnmatchedCount
		stats.Discrepancies += summary.DiscrepancyCount
		stats.Corrected += summary.CorrectedCount
	}
	for _, n := range open {
		stats.OpenAlerts += n
	}
	if stats.PaymentsChecked > 0 {
		stats.MatchRate = decimal.NewFromInt(int64(stats.Matched)).
			Div(decimal.NewFromInt(int64(stats.PaymentsChecked))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}
	return stats, nil
}

func afterIDFromToken(token string) (snowflake.ID, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return 0, domain.ErrInvalidPageToken
	}
	if cursor == nil {
		return 0, nil
	}
	id, err := snowflake.ParseString(cursor.ID)
	if err != nil {
		return 0, domain.ErrInvalidPageToken
	}
	return id, nil
}

func parseID(raw string, invalid error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, invalid
	}
	return id, nil
}
