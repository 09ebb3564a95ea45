// Package middleware provides Echo middleware for logging, metrics, tracing
// and rate limiting.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"edge-proxy-go/internal/listener"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// remote_ip is always the connection peer.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", listener.ClientIP(req).String(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
