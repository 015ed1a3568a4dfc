package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
)

func (s *Server) CreatePayment(c *gin.Context) {
	var req paymentdomain.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, payment)
}

func (s *Server) SchedulePayment(c *gin.Context) {
	var req paymentdomain.SchedulePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.Schedule(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, payment)
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	payment, err := s.paymentSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, payment)
}

func (s *Server) CancelPayment(c *gin.Context) {
	var req cancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.paymentSvc.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, payment)
}

// RefundPayment refunds the whole remaining amount when the body names none.
func (s *Server) RefundPayment(c *gin.Context) {
	var req paymentdomain.RefundRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	req.PaymentID = c.Param("id")

	payment, err := s.paymentSvc.Refund(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, payment)
}

func (s *Server) PaymentStatistics(c *gin.Context) {
	from, to, err := parseWindow(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.paymentSvc.Statistics(c.Request.Context(), paymentdomain.StatisticsRequest{From: from, To: to})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, stats)
}

// HandlePaymentWebhook acknowledges redeliveries and event types we do not
// act on, so the gateway stops retrying them.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.paymentSvc.ProcessWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			respondMessage(c, http.StatusOK, gin.H{"status": "ignored"}, "event ignored")
			return
		}
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"status": "ok"})
}
