// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// Upstream identifies a forwarding target by its configured name and base address.
type Upstream struct {
	Name    string
	BaseURL string // scheme://host:port, no path
}

// ProxyResponse represents the upstream response to be streamed back,
// or a response synthesized locally when handling failed.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
