package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	ContractHeader = "X-Contract-ID"
	ContractParam  = "contract_id"
	ContractKey    = "contract_id"
)

// CMS contract numbers: H, R, E or S followed by four digits, optionally
// with a plan suffix.
var contractPattern = regexp.MustCompile(`^[HRES][0-9]{4}(-[0-9]{3})?$`)

// Contract reads the Medicare Advantage contract a request is scoped to
// from the X-Contract-ID header or the contract_id query parameter. A
// request without one passes through unscoped; a malformed one is a 400.
func Contract() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(ContractHeader))
			if id == "" {
				id = strings.TrimSpace(c.QueryParam(ContractParam))
			}
			if id == "" {
				return next(c)
			}
			id = strings.ToUpper(id)
			if !contractPattern.MatchString(id) {
				return WriteError(c, http.StatusBadRequest, "invalid_contract", "contract id must look like H1234 or H1234-001")
			}
			c.Set(ContractKey, id)
			return next(c)
		}
	}
}

// ContractFromContext returns the contract set by Contract, or "".
func ContractFromContext(c echo.Context) string {
	id, _ := c.Get(ContractKey).(string)
	return id
}
