package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/lexbill/internal/invoice/domain"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) AutoGenerateInvoices(c *gin.Context) {
	caseID, err := parseIDParam(c, "case_id", invoicedomain.ErrInvalidCaseID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.invoiceSvc.AutoGenerateInvoices(c.Request.Context(), caseID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, result)
}

func (s *Server) ListCaseInvoices(c *gin.Context) {
	page, err := bindPagination(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.invoiceSvc.ListInvoices(c.Request.Context(), invoicedomain.ListInvoiceRequest{
		Pagination: page,
		CaseID:     c.Param("case_id"),
		Status:     strings.TrimSpace(c.Query("status")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, resp)
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	invoice, err := s.invoiceSvc.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, invoice)
}

func (s *Server) CancelInvoice(c *gin.Context) {
	var req cancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.invoiceSvc.CancelInvoice(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, invoice)
}

func (s *Server) RecordTimeEntry(c *gin.Context) {
	var req invoicedomain.RecordTimeEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CaseID = c.Param("case_id")

	entry, err := s.invoiceSvc.RecordTimeEntry(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, entry)
}

func (s *Server) RecordExpense(c *gin.Context) {
	var req invoicedomain.RecordExpenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CaseID = c.Param("case_id")

	expense, err := s.invoiceSvc.RecordExpense(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, expense)
}
