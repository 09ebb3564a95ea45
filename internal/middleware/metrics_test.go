package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"edge-proxy-go/internal/metrics"
)

func labelByPrefix(path string) string {
	if len(path) >= 3 && path[:3] == "/r/" {
		return "resources"
	}
	return "other"
}

func TestMetricsMiddleware_ProxiedRouteLabel(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, labelByPrefix))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, path := range []string{"/r/a", "/r/b", "/elsewhere"} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "200", "resources")); got != 2 {
		t.Errorf("requests{route=resources} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "200", "other")); got != 1 {
		t.Errorf("requests{route=other} = %v, want 1", got)
	}
}

func TestMetricsMiddleware_GatewayRouteLabel(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, labelByPrefix))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "200", "/healthz")); got != 1 {
		t.Errorf("requests{route=/healthz} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.RequestDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, nil))
	e.Any("/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	})

	req := httptest.NewRequest(http.MethodPost, "/upload", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "413", "other")); got != 1 {
		t.Errorf("requests{status=413} = %v, want 1", got)
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, labelByPrefix))
	ok := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	e.Any("/*", ok)
	e.RouteNotFound("/*", ok)

	req := httptest.NewRequest("XYZZY", "/r/x", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("other", "200", "resources")); got != 1 {
		t.Errorf("requests{method=other} = %v, want 1", got)
	}
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, nil))
	var during float64
	e.Any("/*", func(c echo.Context) error {
		during = testutil.ToFloat64(m.RequestsInFlight)
		return c.NoContent(http.StatusNoContent)
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", http.NoBody))

	if during != 1 {
		t.Errorf("in-flight during request = %v, want 1", during)
	}
	if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
		t.Errorf("in-flight after request = %v, want 0", got)
	}
}
