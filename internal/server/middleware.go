package server

import (
	"errors"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/lexbill/internal/audit/domain"
	obscontext "github.com/smallbiznis/lexbill/internal/observability/context"
)

const HeaderActor = "X-Actor-ID"

// ActorContext tags the request context with the acting user so audit
// entries and logs name who made the change.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader(HeaderActor)); actor != "" {
			ctx := obscontext.WithActor(c.Request.Context(), auditdomain.ActorTypeUser, actor)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// bindOptionalJSON binds a body when one was sent. An empty body leaves dst
// untouched.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return invalidRequestError()
	}
	return nil
}
