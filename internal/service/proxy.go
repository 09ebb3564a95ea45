// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"edge-proxy-go/internal/client"
	"edge-proxy-go/internal/header"
	"edge-proxy-go/internal/model"
)

// ProxyService relays requests to upstreams: it strips hop-by-hop headers,
// rewrites the target URI, extends the forwarding chain and sanitizes the
// upstream response.
type ProxyService struct {
	client *client.UpstreamClient
	hops   *header.HopSet
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, hops *header.HopSet, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		hops:   hops,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends r to the upstream and returns its response. Status and body
// are passed through untouched. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(ctx context.Context, clientIP netip.Addr, up model.Upstream, r *http.Request) (*model.ProxyResponse, error) {
	target, err := buildUpstreamURL(up.BaseURL, r.URL)
	if err != nil {
		return nil, model.NewProxyError(model.ErrInvalidUpstreamURI, "build_uri", up.BaseURL+r.URL.EscapedPath(), "", err)
	}

	hdr := s.hops.Sanitize(r.Header)
	if err := appendForwardedFor(hdr, clientIP); err != nil {
		return nil, model.NewProxyError(model.ErrHeaderEncoding, "forwarded_for", header.ForwardedFor, "", err)
	}
	if _, ok := hdr["User-Agent"]; !ok {
		// An explicit empty value keeps net/http from adding its own.
		hdr.Set("User-Agent", "")
	}

	body := r.Body
	if r.ContentLength == 0 || body == nil {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, model.NewProxyError(model.ErrInvalidUpstreamURI, "build_request", target.String(), "", err)
	}
	out.Header = hdr
	out.ContentLength = r.ContentLength
	if body == http.NoBody {
		out.ContentLength = 0
	}

	s.logger.Debug("forwarding request",
		"upstream", up.Name,
		"method", r.Method,
		"path", target.Path,
		"client_ip", clientIP.String(),
	)

	resp, err := s.client.Do(up.Name, out)
	if err != nil {
		return nil, model.NewProxyError(model.ErrTransport, "upstream_call", up.BaseURL+target.EscapedPath(), "upstream "+up.Name, err)
	}

	resp.Header = s.hops.Sanitize(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins base with the request's escaped path and, when the
// request carried one, its raw query.
func buildUpstreamURL(base string, in *url.URL) (*url.URL, error) {
	raw := base + in.EscapedPath()
	if in.RawQuery != "" || in.ForceQuery {
		raw += "?" + in.RawQuery
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute http(s) URI", raw)
	}
	return u, nil
}

// appendForwardedFor sets X-Forwarded-For to clientIP, or appends it to the
// existing chain.
func appendForwardedFor(h http.Header, clientIP netip.Addr) error {
	if !clientIP.IsValid() {
		return errors.New("client IP is unknown")
	}

	value := clientIP.String()
	if prior := h.Values(header.ForwardedFor); len(prior) > 0 {
		value = strings.Join(prior, ", ") + ", " + value
	}
	if !header.ValidValue(value) {
		return fmt.Errorf("invalid %s value %q", header.ForwardedFor, value)
	}

	h.Set(header.ForwardedFor, value)
	return nil
}
