package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/lexbill/internal/audit"
	"github.com/smallbiznis/lexbill/internal/config"
	"github.com/smallbiznis/lexbill/internal/events"
	"github.com/smallbiznis/lexbill/internal/fee"
	feedomain "github.com/smallbiznis/lexbill/internal/fee/domain"
	"github.com/smallbiznis/lexbill/internal/invoice"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
	"github.com/smallbiznis/lexbill/internal/milestone"
	milestonedomain "github.com/smallbiznis/lexbill/internal/milestone/domain"
	"github.com/smallbiznis/lexbill/internal/observability"
	obslogger "github.com/smallbiznis/lexbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/lexbill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/lexbill/internal/observability/tracing"
	"github.com/smallbiznis/lexbill/internal/payment"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
	"github.com/smallbiznis/lexbill/internal/providers"
	"github.com/smallbiznis/lexbill/internal/reconciliation"
	reconciliationdomain "github.com/smallbiznis/lexbill/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	audit.Module,
	events.Module,
	providers.Module,
	fee.Module,
	milestone.Module,
	invoice.Module,
	payment.Module,
	reconciliation.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ActorContext())
	r.Use(ErrorHandlingMiddleware(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine            *gin.Engine
	log               *zap.Logger
	feeCalc           feedomain.Calculator
	milestoneSvc      milestonedomain.Service
	invoiceSvc        invoicedomain.Service
	paymentSvc        paymentdomain.Service
	reconciliationSvc reconciliationdomain.Service
	obsMetrics        *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Log               *zap.Logger
	FeeCalc           feedomain.Calculator
	MilestoneSvc      milestonedomain.Service
	InvoiceSvc        invoicedomain.Service
	PaymentSvc        paymentdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	ObsMetrics        *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:            p.Gin,
		log:               p.Log.Named("http.server"),
		feeCalc:           p.FeeCalc,
		milestoneSvc:      p.MilestoneSvc,
		invoiceSvc:        p.InvoiceSvc,
		paymentSvc:        p.PaymentSvc,
		reconciliationSvc: p.ReconciliationSvc,
		obsMetrics:        p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- Fees --------
	api.POST("/fees/calculate", s.CalculateFee)

	// -------- Milestones --------
	api.POST("/cases/:case_id/milestones", s.CreateMilestones)
	api.GET("/cases/:case_id/milestones", s.ListMilestones)
	api.GET("/cases/:case_id/progress", s.GetCaseProgress)
	api.POST("/milestones/:id/complete", s.CompleteMilestone)
	api.POST("/milestones/:id/invoice", s.GenerateMilestoneInvoice)

	// -------- Invoices --------
	api.POST("/cases/:case_id/invoices/auto", s.AutoGenerateInvoices)
	api.GET("/cases/:case_id/invoices", s.ListCaseInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.POST("/invoices/:id/cancel", s.CancelInvoice)
	api.POST("/cases/:case_id/time-entries", s.RecordTimeEntry)
	api.POST("/cases/:case_id/expenses", s.RecordExpense)

	// -------- Payments --------
	api.POST("/payments", s.CreatePayment)
	api.POST("/payments/schedule", s.SchedulePayment)
	api.GET("/payments/statistics", s.PaymentStatistics)
	api.GET("/payments/:id", s.GetPaymentByID)
	api.POST("/payments/:id/cancel", s.CancelPayment)
	api.POST("/payments/:id/refund", s.RefundPayment)
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)

	// -------- Reconciliation --------
	api.POST("/reconciliation/reports", s.GenerateReconciliationReport)
	api.GET("/reconciliation/reports", s.ListReconciliationReports)
	api.GET("/reconciliation/reports/:id", s.GetReconciliationReport)
	api.GET("/reconciliation/reports/:id/export", s.ExportReconciliationReport)
	api.GET("/reconciliation/alerts", s.ListDiscrepancyAlerts)
	api.POST("/reconciliation/alerts/:id/resolve", s.ResolveDiscrepancyAlert)
	api.GET("/reconciliation/statistics", s.ReconciliationStatistics)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{
			Success: false,
			Error:   &errorPayload{Code: "route_not_found", Message: "route not found"},
			Message: "route not found",
		})
	})
}
