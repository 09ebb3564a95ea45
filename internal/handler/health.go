package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-proxy-go/internal/client"
	"edge-proxy-go/internal/routing"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	policy  *routing.Policy
	client  *client.UpstreamClient
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(policy *routing.Policy, uc *client.UpstreamClient, v Version) *HealthHandler {
	return &HealthHandler{policy: policy, client: uc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Routes    int               `json:"routes"`
	Upstreams []string          `json:"upstreams"`
	Breakers  map[string]string `json:"breakers"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	ups := h.policy.Upstreams()
	breakers := make(map[string]string, len(ups))
	for _, name := range ups {
		breakers[name] = h.client.BreakerState(name)
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:    "ok",
		Version:   string(h.version),
		Routes:    h.policy.Len(),
		Upstreams: ups,
		Breakers:  breakers,
	})
}
