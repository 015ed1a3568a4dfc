package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lexbill/internal/apperror"
	"github.com/smallbiznis/lexbill/pkg/db/pagination"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalBool(field, value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, apperror.Validation(field, "invalid_bool", field+" must be true or false")
	}
	return &parsed, nil
}

func parseIDParam(c *gin.Context, name string, invalid error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id == 0 {
		return 0, invalid
	}
	return id, nil
}

// parseOptionalTime accepts RFC3339 or a bare date. A bare date is the start
// of that day, or its last instant when endOfDay is set.
func parseOptionalTime(field, value string, endOfDay bool) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC), nil
		}
		return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, apperror.Validation(field, "invalid_time", field+" must be RFC3339 or YYYY-MM-DD")
}

func parseWindow(c *gin.Context) (time.Time, time.Time, error) {
	from, err := parseOptionalTime("from", c.Query("from"), false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseOptionalTime("to", c.Query("to"), true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func bindPagination(c *gin.Context) (pagination.Pagination, error) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		return pagination.Pagination{}, apperror.Validation("page_size", "invalid_page_size", "page_size must be a number")
	}
	return p, nil
}
