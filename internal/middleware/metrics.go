package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"edge-proxy-go/internal/metrics"
)

// RouteLabeler maps a proxied request path to a bounded route label.
type RouteLabeler func(path string) string

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Gateway endpoints are labeled by their Echo route;
// proxied requests by label, or "other" when label is nil.
func MetricsMiddleware(m *metrics.Metrics, label RouteLabeler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError has not been written yet; Echo's error
			// handler does that later, so take the code from the error.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			route := routeLabel(c, label)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, route).Inc()
			m.RequestDuration.WithLabelValues(method, status, route).Observe(duration)

			return err
		}
	}
}

func routeLabel(c echo.Context, label RouteLabeler) string {
	switch c.Path() {
	case "/", "/*":
		if label != nil {
			return label(c.Request().URL.Path)
		}
		return "other"
	case "":
		return "other"
	default:
		return c.Path()
	}
}
