package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"

	"github.com/labstack/echo/v4"

	"edge-proxy-go/internal/client"
	"edge-proxy-go/internal/listener"
	"edge-proxy-go/internal/metrics"
	"edge-proxy-go/internal/model"
	"edge-proxy-go/internal/routing"
)

// RouteFunc produces the response for one inbound request.
type RouteFunc func(r *http.Request, clientIP netip.Addr, p *routing.Policy) (*model.ProxyResponse, error)

// ProxyHandler is the request boundary: every request not owned by the
// gateway itself is routed here, and every outcome, including a panic in the
// route function, becomes an HTTP response.
type ProxyHandler struct {
	route   RouteFunc
	policy  *routing.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(route RouteFunc, policy *routing.Policy, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		route:   route,
		policy:  policy,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle routes the request and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	reqID := c.Response().Header().Get(echo.HeaderXRequestID)

	resp := h.handle(req, listener.ClientIP(req), reqID)
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything middleware already set, e.g. X-Request-Id.
	out := c.Response().Header()
	for key, vals := range resp.Header {
		out.Del(key)
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failed copy (client gone,
	// upstream reset) leaves a truncated body and is only logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"path", req.URL.Path,
			"request_id", reqID,
		)
	}

	return nil
}

// handle runs the route function and never fails: errors and panics are
// logged and turned into a synthesized response.
func (h *ProxyHandler) handle(r *http.Request, clientIP netip.Addr, reqID string) (resp *model.ProxyResponse) {
	defer func() {
		if v := recover(); v != nil {
			if h.metrics != nil {
				h.metrics.PanicsRecovered.Inc()
			}
			h.logger.Error("panic in route function",
				"panic", v,
				"stack", string(debug.Stack()),
				"path", r.URL.Path,
				"request_id", reqID,
			)
			err := model.NewProxyError(model.ErrUnexpectedFault, "route", r.URL.Path, fmt.Sprintf("panic: %v", v), nil)
			resp = h.errorResponse(r, clientIP, reqID, err)
		}
	}()

	resp, err := h.route(r, clientIP, h.policy)
	if err == nil && resp == nil {
		err = model.NewProxyError(model.ErrUnexpectedFault, "route", r.URL.Path, "route returned no response", nil)
	}
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return h.errorResponse(r, clientIP, reqID, err)
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	return resp
}

func (h *ProxyHandler) errorResponse(r *http.Request, clientIP netip.Addr, reqID string, err error) *model.ProxyResponse {
	kind := model.KindOf(err)
	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(kind).Inc()
	}

	level := slog.LevelError
	if model.ClientCaused(err) {
		level = slog.LevelWarn
	}
	h.logger.Log(r.Context(), level, "proxy error",
		"err", err,
		"kind", kind,
		"method", r.Method,
		"path", r.URL.Path,
		"client_ip", clientIP.String(),
		"request_id", reqID,
	)

	status, msg := classify(err)
	body, _ := json.Marshal(map[string]string{"error": msg})

	return &model.ProxyResponse{
		StatusCode: status,
		Header: http.Header{
			echo.HeaderContentType: []string{echo.MIMEApplicationJSON},
		},
		Body: io.NopCloser(bytes.NewReader(body)),
	}
}

// classify maps err to the status code and message the client sees.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "no route for request path"
	case errors.Is(err, model.ErrTransport):
		if errors.Is(err, client.ErrCircuitOpen) {
			return http.StatusServiceUnavailable, "upstream unavailable"
		}
		if isTimeout(err) {
			return http.StatusGatewayTimeout, "upstream request timed out"
		}
		return http.StatusBadGateway, "upstream request failed"
	default:
		return http.StatusInternalServerError, "internal proxy error"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
