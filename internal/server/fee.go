package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	feedomain "github.com/smallbiznis/lexbill/internal/fee/domain"
	obsmetrics "github.com/smallbiznis/lexbill/internal/observability/metrics"
)

func (s *Server) CalculateFee(c *gin.Context) {
	var req feedomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.feeCalc.Calculate(req)
	if err != nil {
		s.obsMetrics.RecordFeeCalculation(c.Request.Context(), "", obsmetrics.FeeOutcomeInvalid)
		AbortWithError(c, err)
		return
	}

	outcome := obsmetrics.FeeOutcomeCompliant
	if !result.Compliant() {
		outcome = obsmetrics.FeeOutcomeFlagged
	}
	s.obsMetrics.RecordFeeCalculation(c.Request.Context(), string(result.FeeType), outcome)
	respond(c, http.StatusOK, result)
}
