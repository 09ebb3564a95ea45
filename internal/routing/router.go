package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"edge-proxy-go/internal/header"
	"edge-proxy-go/internal/metrics"
	"edge-proxy-go/internal/model"
	"edge-proxy-go/internal/tenant"
)

// Forwarder relays a request to a resolved upstream.
type Forwarder interface {
	Forward(ctx context.Context, clientIP netip.Addr, up model.Upstream, r *http.Request) (*model.ProxyResponse, error)
}

// Router decides where a request goes and which tenant header it carries.
// It performs no I/O of its own besides tenant resolution and delegation.
type Router struct {
	forwarder Forwarder
	resolver  tenant.Resolver
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRouter creates a Router. The metrics parameter is optional.
func NewRouter(fwd Forwarder, resolver tenant.Resolver, logger *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		forwarder: fwd,
		resolver:  resolver,
		logger:    logger.With("component", "router"),
		metrics:   m,
	}
}

// Route selects the first rule of policy matching the request path, injects
// the tenant header when the rule and the policy call for it, and forwards.
func (rt *Router) Route(r *http.Request, clientIP netip.Addr, policy *Policy) (*model.ProxyResponse, error) {
	path := r.URL.Path

	rule, ok := policy.Match(path)
	if !ok {
		return nil, model.NewProxyError(model.ErrNotFound, "match_route", path, "no rule matched and no default upstream", nil)
	}

	rt.logger.Debug("route selected",
		"path", path,
		"rule", rule.Name,
		"upstream", rule.Upstream.Name,
	)

	if rule.Tenant && policy.MultiTenancy() {
		if err := rt.injectTenant(r, policy.TenantHeader()); err != nil {
			return nil, err
		}
	}

	if rule.StripPrefix {
		r = withPath(r, rule)
	}

	return rt.forwarder.Forward(r.Context(), clientIP, rule.Upstream, r)
}

// injectTenant sets the tenant header, replacing any client-supplied value.
func (rt *Router) injectTenant(r *http.Request, name string) error {
	if rt.resolver == nil {
		return model.NewProxyError(model.ErrTenantLookup, "resolve_tenant", r.Host, "", errors.New("no tenant resolver configured"))
	}

	id, source, err := rt.resolver.Resolve(r.Context(), r)
	if err != nil {
		return model.NewProxyError(model.ErrTenantLookup, "resolve_tenant", r.Host, "", err)
	}
	if id == "" || !header.ValidValue(id) {
		return model.NewProxyError(model.ErrHeaderEncoding, "inject_tenant", name, "", fmt.Errorf("invalid tenant id %q", id))
	}

	r.Header.Set(name, id)
	if rt.metrics != nil {
		rt.metrics.TenantInjections.WithLabelValues(source).Inc()
	}
	return nil
}

// withPath returns a shallow copy of r whose URL path has the rule's prefix removed.
func withPath(r *http.Request, rule *Rule) *http.Request {
	u := *r.URL
	u.Path = rule.Rewrite(r.URL.Path)
	u.RawPath = ""
	if raw := r.URL.RawPath; raw != "" && strings.HasPrefix(raw, rule.Prefix) {
		u.RawPath = rule.Rewrite(raw)
	}

	out := r.WithContext(r.Context())
	out.URL = &u
	return out
}
