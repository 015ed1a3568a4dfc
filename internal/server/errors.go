package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type errorPayload struct {
	Code    string                     `json:"code"`
	Message string                     `json:"message"`
	Errors  []apperror.ValidationError `json:"errors,omitempty"`
}

// envelope is the body of every JSON response.
type envelope struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *errorPayload `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondMessage(c *gin.Context, status int, data any, message string) {
	c.JSON(status, envelope{Success: true, Data: data, Message: message})
}

func ErrorHandlingMiddleware(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		switch {
		case apperror.KindOf(lastErr.Err) == apperror.KindConflict:
			log.Error("consistency error",
				zap.String("route", c.FullPath()),
				zap.String("code", payload.Code),
				zap.Error(lastErr.Err),
			)
		case status >= http.StatusInternalServerError:
			log.Error("request failed",
				zap.String("route", c.FullPath()),
				zap.Error(lastErr.Err),
			)
		}
		c.AbortWithStatusJSON(status, envelope{Success: false, Error: &payload, Message: payload.Message})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return apperror.Validation("request", "invalid_request", "request body is not valid")
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Code:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErr *apperror.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Code:    vErr.Code,
			Message: vErr.Message,
			Errors:  []apperror.ValidationError{*vErr},
		}
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound, errorPayload{Code: "not_found", Message: "not found"}
	}

	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, errorPayload{
			Code:    "internal_error",
			Message: "internal server error",
		}
	}

	payload := errorPayload{Code: appErr.Code, Message: appErr.Message}
	switch appErr.Kind {
	case apperror.KindValidation:
		return http.StatusBadRequest, payload
	case apperror.KindNotFound:
		return http.StatusNotFound, payload
	case apperror.KindConflict:
		return http.StatusConflict, payload
	case apperror.KindGateway:
		return http.StatusBadGateway, payload
	default:
		return http.StatusInternalServerError, payload
	}
}

// classifyErrorForLog feeds the request logger a low-cardinality type and code.
func classifyErrorForLog(err error) (string, string) {
	return apperror.KindOf(err).String(), apperror.CodeOf(err)
}
