package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/lexbill/internal/reconciliation/domain"
)

func (s *Server) GenerateReconciliationReport(c *gin.Context) {
	var req reconciliationdomain.GenerateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Trigger = reconciliationdomain.TriggerAPI

	report, err := s.reconciliationSvc.GenerateReport(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, report)
}

func (s *Server) ListReconciliationReports(c *gin.Context) {
	page, err := bindPagination(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.reconciliationSvc.ListReports(c.Request.Context(), reconciliationdomain.ListReportsRequest{Pagination: page})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, resp)
}

func (s *Server) GetReconciliationReport(c *gin.Context) {
	report, err := s.reconciliationSvc.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, report)
}

func (s *Server) ExportReconciliationReport(c *gin.Context) {
	format := reconciliationdomain.ExportFormat(c.DefaultQuery("format", string(reconciliationdomain.ExportCSV)))

	export, err := s.reconciliationSvc.ExportReport(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	c.Data(http.StatusOK, export.ContentType, export.Body)
}

func (s *Server) ListDiscrepancyAlerts(c *gin.Context) {
	page, err := bindPagination(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resolved, err := parseOptionalBool("resolved", c.Query("resolved"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.reconciliationSvc.ListAlerts(c.Request.Context(), reconciliationdomain.ListAlertsRequest{
		Pagination: page,
		Resolved:   resolved,
		Severity:   c.Query("severity"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, resp)
}

func (s *Server) ResolveDiscrepancyAlert(c *gin.Context) {
	var req reconciliationdomain.ResolveAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.AlertID = c.Param("id")

	alert, err := s.reconciliationSvc.ResolveAlert(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, alert)
}

func (s *Server) ReconciliationStatistics(c *gin.Context) {
	from, to, err := parseWindow(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.reconciliationSvc.Statistics(c.Request.Context(), reconciliationdomain.StatisticsRequest{From: from, To: to})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, stats)
}
