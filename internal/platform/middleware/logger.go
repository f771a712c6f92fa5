package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RunIDKey is set by handlers that create or read a run so the access log
// can correlate requests with runs.
const RunIDKey = "run_id"

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}

			rid, _ := c.Get(RequestIDKey).(string)
			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Int64("bytes", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if contract := ContractFromContext(c); contract != "" {
				evt = evt.Str("contract_id", contract)
			}
			if run, ok := c.Get(RunIDKey).(string); ok && run != "" {
				evt = evt.Str("run_id", run)
			}
			evt.Msg("request")

			return err
		}
	}
}
