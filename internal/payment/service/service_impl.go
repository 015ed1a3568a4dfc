package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/lexbill/internal/apperror"
	auditdomain "github.com/smallbiznis/lexbill/internal/audit/domain"
	"github.com/smallbiznis/lexbill/internal/cache"
	"github.com/smallbiznis/lexbill/internal/clock"
	"github.com/smallbiznis/lexbill/internal/events"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	"github.com/smallbiznis/lexbill/internal/lock"
	obsmetrics "github.com/smallbiznis/lexbill/internal/observability/metrics"
	"github.com/smallbiznis/lexbill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	lockTTL          = time.Minute
	statisticsTTL    = time.Minute
	statisticsWindow = 30 * 24 * time.Hour
)

var errDuplicateEvent = errors.New("duplicate_event")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        paymentdomain.Repository
	InvoiceRepo invoicedomain.Repository
	Projector   invoicedomain.StatusProjector
	Registry    *adapters.Registry
	Locker      lock.Locker
	AuditSvc    auditdomain.Service
	Publisher   events.Publisher
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        paymentdomain.Repository
	invoiceRepo invoicedomain.Repository
	projector   invoicedomain.StatusProjector
	registry    *adapters.Registry
	locker      lock.Locker
	auditSvc    auditdomain.Service
	publisher   events.Publisher
	obsMetrics  *obsmetrics.Metrics
	stats       cache.Cache[string, paymentdomain.Statistics]
}

func NewService(p Params) paymentdomain.Service {
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
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       clk,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		projector:   p.Projector,
		registry:    p.Registry,
		locker:      p.Locker,
		auditSvc:    p.AuditSvc,
		publisher:   publisher,
		obsMetrics:  p.ObsMetrics,
		stats:       cache.NewTTLCache[string, paymentdomain.Statistics](clk),
	}
}

func (s *Service) Create(ctx context.Context, req paymentdomain.CreatePaymentRequest) (paymentdomain.Payment, error) {
	return s.create(ctx, req, nil)
}

func (s *Service) Schedule(ctx context.Context, req paymentdomain.SchedulePaymentRequest) (paymentdomain.Payment, error) {
	if req.ScheduledFor.IsZero() {
		return paymentdomain.Payment{}, apperror.Validation("scheduled_for", "required", "scheduled_for is required")
	}
	if !req.ScheduledFor.After(s.clock.Now()) {
		return paymentdomain.Payment{}, paymentdomain.ErrScheduleInPast
	}
	req.Status = string(paymentdomain.StatusPending)
	scheduledFor := req.ScheduledFor.UTC()
	return s.create(ctx, req.CreatePaymentRequest, &scheduledFor)
}

func (s *Service) create(ctx context.Context, req paymentdomain.CreatePaymentRequest, scheduledFor *time.Time) (paymentdomain.Payment, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil || invoiceID == 0 {
		return paymentdomain.Payment{}, apperror.Validation("invoice_id", "invalid", "invoice_id is not valid")
	}
	if !req.Amount.IsPositive() {
		return paymentdomain.Payment{}, apperror.Validation("amount", "invalid", "amount must be greater than zero")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return paymentdomain.Payment{}, apperror.Validation("currency", "required", "currency is required")
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		return paymentdomain.Payment{}, apperror.Validation("method", "required", "method is required")
	}
	if !s.registry.Supports(method) {
		return paymentdomain.Payment{}, apperror.Validation("method", "unsupported", "no gateway is configured for this payment method")
	}
	status := paymentdomain.StatusPending
	if strings.TrimSpace(req.Status) != "" {
		parsed, ok := paymentdomain.ParseStatus(req.Status)
		if !ok || (parsed != paymentdomain.StatusPending && parsed != paymentdomain.StatusCompleted) {
			return paymentdomain.Payment{}, apperror.Validation("status", "invalid", "status must be PENDING or COMPLETED")
		}
		status = parsed
	}

	now := s.clock.Now().UTC()
	payment := paymentdomain.Payment{
		ID:             s.genID.Generate(),
		InvoiceID:      invoiceID,
		Amount:         req.Amount.Round(2),
		Currency:       currency,
		Method:         method,
		Status:         status,
		TransactionID:  strings.TrimSpace(req.TransactionID),
		Reference:      strings.TrimSpace(req.Reference),
		ScheduledFor:   scheduledFor,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if payment.Reference == "" {
		payment.Reference = payment.ID.String()
	}
	if status == paymentdomain.StatusCompleted {
		payment.CompletedAt = &now
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoiceRepo.FindForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return paymentdomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusCancelled {
			return paymentdomain.ErrInvoiceNotPayable
		}
		if !strings.EqualFold(invoice.Currency, currency) {
			return paymentdomain.ErrCurrencyMismatch
		}
		if err := s.repo.Insert(ctx, tx, &payment); err != nil {
			return err
		}
		if status == paymentdomain.StatusCompleted {
			if _, err := s.projector.Recompute(ctx, tx, invoiceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.InvalidateStatistics()
	s.obsMetrics.RecordPaymentEvent(ctx, method, "created")
	s.audit(ctx, "payment.created", payment, map[string]any{
		"amount":         payment.Amount.StringFixed(2),
		"currency":       payment.Currency,
		"method":         payment.Method,
		"status":         string(payment.Status),
		"transaction_id": payment.TransactionID,
		"reference":      payment.Reference,
	})
	return payment, nil
}

func (s *Service) Get(ctx context.Context, id string) (paymentdomain.Payment, error) {
	paymentID, err := parseID(id)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrPaymentNotFound
	}
	return *payment, nil
}

func (s *Service) Cancel(ctx context.Context, id, reason string) (paymentdomain.Payment, error) {
	paymentID, err := parseID(id)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	release, err := s.locker.Lock(ctx, paymentdomain.LockKey(paymentID), lockTTL)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	defer release()

	var (
		payment paymentdomain.Payment
		change  *paymentdomain.StatusChanged
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if current == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if current.Status != paymentdomain.StatusPending {
			return paymentdomain.ErrPaymentNotCancellable
		}
		change = s.statusChange(*current, paymentdomain.StatusCancelled, "api")
		if err := s.ApplyTransition(ctx, tx, current, paymentdomain.Transition{
			To:     paymentdomain.StatusCancelled,
			Source: "api",
		}); err != nil {
			return err
		}
		payment = *current
		return nil
	})
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	s.InvalidateStatistics()
	s.afterTransition(ctx, change)
	s.audit(ctx, "payment.cancelled", payment, map[string]any{"reason": strings.TrimSpace(reason)})
	return payment, nil
}

// Refund returns money through the gateway first and records it locally
// after the gateway accepted it.
func (s *Service) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.Payment, error) {
	paymentID, err := parseID(req.PaymentID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	release, err := s.locker.Lock(ctx, paymentdomain.LockKey(paymentID), lockTTL)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	defer release()

	current, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if current == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrPaymentNotFound
	}
	amount, err := refundAmount(*current, req.Amount)
	if err != nil {
		return paymentdomain.Payment{}, err
	}

	adapter, err := s.registry.Resolve(current.Method)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	reference := current.GatewayReference()
	if err := adapter.Refund(ctx, reference, amount, current.Currency); err != nil {
		return paymentdomain.Payment{}, &paymentdomain.GatewayError{Method: current.Method, Reference: reference, Err: err}
	}

	var (
		payment paymentdomain.Payment
		change  *paymentdomain.StatusChanged
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if locked == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if _, err := refundAmount(*locked, &amount); err != nil {
			return err
		}

		refunded := locked.RefundedAmount.Add(amount)
		if err := s.repo.UpdateFields(ctx, tx, locked.ID, map[string]any{"refunded_amount": refunded}); err != nil {
			return err
		}
		locked.RefundedAmount = refunded

		if refunded.GreaterThanOrEqual(locked.Amount) {
			change = s.statusChange(*locked, paymentdomain.StatusRefunded, "api")
			if err := s.ApplyTransition(ctx, tx, locked, paymentdomain.Transition{
				To:     paymentdomain.StatusRefunded,
				Source: "api",
			}); err != nil {
				return err
			}
		} else if _, err := s.projector.Recompute(ctx, tx, locked.InvoiceID); err != nil {
			return err
		}
		payment = *locked
		return nil
	})
	if err != nil {
		s.log.Error("refund accepted by gateway but not recorded",
			zap.String("payment_id", paymentID.String()),
			zap.String("amount", amount.StringFixed(2)),
			zap.Error(err),
		)
		return paymentdomain.Payment{}, err
	}

	s.InvalidateStatistics()
	s.afterTransition(ctx, change)
	s.obsMetrics.RecordPaymentEvent(ctx, payment.Method, paymentdomain.EventTypeRefunded)
	s.audit(ctx, "payment.refunded", payment, map[string]any{
		"amount": amount.StringFixed(2),
		"reason": strings.TrimSpace(req.Reason),
	})
	return payment, nil
}

func refundAmount(payment paymentdomain.Payment, requested *decimal.Decimal) (decimal.Decimal, error) {
	if payment.Status != paymentdomain.StatusCompleted {
		return decimal.Zero, paymentdomain.ErrPaymentNotRefundable
	}
	remaining := payment.Amount.Sub(payment.RefundedAmount)
	if requested == nil {
		if !remaining.IsPositive() {
			return decimal.Zero, paymentdomain.ErrRefundExceedsPaid
		}
		return remaining, nil
	}
	amount := requested.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, apperror.Validation("amount", "invalid", "refund amount must be greater than zero")
	}
	if amount.GreaterThan(remaining) {
		return decimal.Zero, paymentdomain.ErrRefundExceedsPaid
	}
	return amount, nil
}

// ProcessWebhook applies a verified gateway notification. Redelivered
// events are acknowledged without being applied twice.
func (s *Service) ProcessWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	hook, err := s.registry.Webhook(provider)
	if err != nil {
		return err
	}
	if err := hook.Verify(ctx, payload, headers); err != nil {
		return err
	}
	event, err := hook.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			return nil
		}
		return err
	}
	if event == nil || strings.TrimSpace(event.ProviderEventID) == "" || strings.TrimSpace(event.TransactionID) == "" {
		return paymentdomain.ErrInvalidEvent
	}

	existing, err := s.repo.FindByGatewayReference(ctx, s.db, provider, event.TransactionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return paymentdomain.ErrUnknownTransaction
	}

	release, err := s.locker.Lock(ctx, paymentdomain.LockKey(existing.ID), lockTTL)
	if err != nil {
		return err
	}
	defer release()

	now := s.clock.Now().UTC()
	record := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		TransactionID:   event.TransactionID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	var (
		payment paymentdomain.Payment
		change  *paymentdomain.StatusChanged
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertEvent(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateEvent
		}

		locked, err := s.repo.FindForUpdate(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return paymentdomain.ErrPaymentNotFound
		}

		refundChanged := false
		if event.Type == paymentdomain.EventTypeRefunded && event.Amount.GreaterThan(locked.RefundedAmount) {
			refunded := decimal.Min(event.Amount, locked.Amount)
			if err := s.repo.UpdateFields(ctx, tx, locked.ID, map[string]any{"refunded_amount": refunded}); err != nil {
				return err
			}
			locked.RefundedAmount = refunded
			refundChanged = true
		}

		source := "webhook:" + provider
		if event.Status != "" && event.Status != locked.Status {
			change = s.statusChange(*locked, event.Status, source)
			if err := s.ApplyTransition(ctx, tx, locked, paymentdomain.Transition{To: event.Status, Source: source}); err != nil {
				return err
			}
		} else if refundChanged {
			if _, err := s.projector.Recompute(ctx, tx, locked.InvoiceID); err != nil {
				return err
			}
		}

		payment = *locked
		return s.repo.MarkEventProcessed(ctx, tx, record.ID, now)
	})
	if errors.Is(err, errDuplicateEvent) {
		s.log.Debug("webhook event already processed",
			zap.String("provider", provider),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	s.InvalidateStatistics()
	s.afterTransition(ctx, change)
	s.obsMetrics.RecordPaymentEvent(ctx, provider, event.Type)
	s.audit(ctx, "payment.webhook_applied", payment, map[string]any{
		"provider":          provider,
		"provider_event_id": event.ProviderEventID,
		"event_type":        event.Type,
		"transaction_id":    event.TransactionID,
	})
	return nil
}

func (s *Service) Statistics(ctx context.Context, req paymentdomain.StatisticsRequest) (paymentdomain.Statistics, error) {
	to := req.To.UTC()
	if req.To.IsZero() {
		to = s.clock.Now().UTC()
	}
	from := req.From.UTC()
	if req.From.IsZero() {
		from = to.Add(-statisticsWindow)
	}
	if !from.Before(to) {
		return paymentdomain.Statistics{}, paymentdomain.ErrInvalidTimeRange
	}

	key := from.Format(time.RFC3339) + "|" + to.Format(time.RFC3339)
	if cached, ok := s.stats.Get(key); ok {
		return cached, nil
	}

	payments, err := s.repo.ListInWindow(ctx, s.db, from, to, nil)
	if err != nil {
		return paymentdomain.Statistics{}, err
	}

	stats := paymentdomain.Statistics{
		From:           from,
		To:             to,
		TotalAmount:    decimal.Zero,
		RefundedAmount: decimal.Zero,
		ByStatus:       map[paymentdomain.Status]paymentdomain.StatusBucket{},
		ByMethod:       map[string]paymentdomain.StatusBucket{},
	}
	for _, payment := range payments {
		stats.TotalCount++
		stats.TotalAmount = stats.TotalAmount.Add(payment.Amount)
		stats.RefundedAmount = stats.RefundedAmount.Add(payment.RefundedAmount)
		stats.ByStatus[payment.Status] = addBucket(stats.ByStatus[payment.Status], payment.Amount)
		stats.ByMethod[payment.Method] = addBucket(stats.ByMethod[payment.Method], payment.Amount)
	}

	s.stats.Set(key, stats, statisticsTTL)
	return stats, nil
}

func addBucket(bucket paymentdomain.StatusBucket, amount decimal.Decimal) paymentdomain.StatusBucket {
	bucket.Count++
	bucket.Amount = bucket.Amount.Add(amount)
	return bucket
}

// ApplyTransition is the single writer of payment status. The invoice is
// re-projected whenever settled money enters or leaves the payment.
func (s *Service) ApplyTransition(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, t paymentdomain.Transition) error {
	if payment == nil {
		return paymentdomain.ErrPaymentNotFound
	}
	if _, ok := paymentdomain.ParseStatus(string(t.To)); !ok {
		return apperror.Validation("status", "invalid", "unknown payment status")
	}

	from := payment.Status
	fields := map[string]any{}
	if t.ReconciledAt != nil {
		fields["last_reconciled_at"] = t.ReconciledAt.UTC()
	}
	if from != t.To {
		fields["status"] = t.To
		if t.To == paymentdomain.StatusCompleted && payment.CompletedAt == nil {
			fields["completed_at"] = s.clock.Now().UTC()
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.repo.UpdateFields(ctx, tx, payment.ID, fields); err != nil {
		return err
	}

	if t.ReconciledAt != nil {
		reconciledAt := t.ReconciledAt.UTC()
		payment.LastReconciledAt = &reconciledAt
	}
	if from == t.To {
		return nil
	}
	payment.Status = t.To
	if completedAt, ok := fields["completed_at"].(time.Time); ok {
		payment.CompletedAt = &completedAt
	}

	s.log.Info("payment status changed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(t.To)),
		zap.String("source", t.Source),
	)

	if settles(from) || settles(t.To) {
		if _, err := s.projector.Recompute(ctx, tx, payment.InvoiceID); err != nil {
			return err
		}
	}
	return nil
}

func settles(status paymentdomain.Status) bool {
	return status == paymentdomain.StatusCompleted || status == paymentdomain.StatusRefunded
}

func (s *Service) statusChange(payment paymentdomain.Payment, to paymentdomain.Status, source string) *paymentdomain.StatusChanged {
	return &paymentdomain.StatusChanged{
		PaymentID: payment.ID,
		InvoiceID: payment.InvoiceID,
		Method:    payment.Method,
		From:      payment.Status,
		To:        to,
		Source:    source,
		ChangedAt: s.clock.Now().UTC(),
	}
}

func (s *Service) afterTransition(ctx context.Context, change *paymentdomain.StatusChanged) {
	if change == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.RoutingPaymentStatusChanged, change); err != nil {
		s.log.Warn("publish payment status change failed",
			zap.String("payment_id", change.PaymentID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) InvalidateStatistics() {
	s.stats.InvalidateFunc(func(string) bool { return true })
}

func (s *Service) audit(ctx context.Context, action string, payment paymentdomain.Payment, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["invoice_id"] = payment.InvoiceID.String()
	if err := s.auditSvc.AuditLog(ctx, action, "payment", payment.ID.String(), metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, paymentdomain.ErrInvalidPaymentID
	}
	return id, nil
}
