package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	milestonedomain "github.com/smallbiznis/lexbill/internal/milestone/domain"
)

func (s *Server) CreateMilestones(c *gin.Context) {
	var req milestonedomain.CreateMilestonesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CaseID = c.Param("case_id")

	resp, err := s.milestoneSvc.CreateMilestones(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, resp)
}

func (s *Server) ListMilestones(c *gin.Context) {
	nodes, err := s.milestoneSvc.ListMilestones(c.Request.Context(), c.Param("case_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, nodes)
}

func (s *Server) GetCaseProgress(c *gin.Context) {
	progress, err := s.milestoneSvc.GetProgress(c.Request.Context(), c.Param("case_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, progress)
}

// CompleteMilestone marks a node done. A failed invoice attempt still
// returns 200 with invoice_error set, since the completion stands.
func (s *Server) CompleteMilestone(c *gin.Context) {
	var req milestonedomain.CompleteMilestoneRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	req.NodeID = c.Param("id")

	resp, err := s.milestoneSvc.CompleteMilestone(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if resp.InvoiceError != "" {
		respondMessage(c, http.StatusOK, resp, "milestone completed, invoice generation failed")
		return
	}
	respond(c, http.StatusOK, resp)
}

func (s *Server) GenerateMilestoneInvoice(c *gin.Context) {
	nodeID, err := parseIDParam(c, "id", milestonedomain.ErrInvalidNodeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.invoiceSvc.GenerateInvoiceForMilestone(c.Request.Context(), nodeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, invoice)
}
