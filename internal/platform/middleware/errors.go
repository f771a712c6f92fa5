// Package middleware holds the echo middleware chain for the HTTP API.
package middleware

import (
	"github.com/labstack/echo/v4"
)

// ErrorBody is the JSON shape every API error uses.
type ErrorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError writes an ErrorBody unless the response is already committed.
func WriteError(c echo.Context, status int, code, detail string) error {
	if c.Response().Committed {
		return nil
	}
	rid, _ := c.Get(RequestIDKey).(string)
	return c.JSON(status, ErrorBody{Error: code, Detail: detail, RequestID: rid})
}
