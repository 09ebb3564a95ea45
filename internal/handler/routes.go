package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/metrics"
	"edge-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Gateway
// endpoints get security headers; everything else is proxied untouched.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	sec := middleware.SecurityHeaders()

	e.GET("/healthz", health.Healthz, sec)
	e.GET("/proxy/status", health.Status, sec)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), sec)
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	// Any only covers Echo's known methods. The not-found route catches the
	// rest (PURGE, MKCOL, LOCK, ...) so every method reaches the proxy.
	e.RouteNotFound("/*", proxy.Handle)
}
