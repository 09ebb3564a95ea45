// Package header implements hop-by-hop header handling for the proxy.
package header

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ForwardedFor is the forwarding-chain header.
const ForwardedFor = "X-Forwarded-For"

// DefaultHopHeaders returns the connection-scoped headers that must not be relayed.
func DefaultHopHeaders() []string {
	return []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	}
}

// HopSet is an immutable, case-insensitive set of hop-by-hop header names.
// It is safe for concurrent use.
type HopSet struct {
	names map[string]struct{}
}

// NewHopSet builds a HopSet from names. With no names, DefaultHopHeaders is used.
func NewHopSet(names ...string) *HopSet {
	if len(names) == 0 {
		names = DefaultHopHeaders()
	}
	s := &HopSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.names[strings.ToLower(n)] = struct{}{}
	}
	return s
}

// Contains reports whether name is a hop-by-hop header.
func (s *HopSet) Contains(name string) bool {
	_, ok := s.names[strings.ToLower(name)]
	return ok
}

// Sanitize returns a copy of h without hop-by-hop headers. h is not modified.
func (s *HopSet) Sanitize(h http.Header) http.Header {
	dst := make(http.Header, len(h))
	for key, vals := range h {
		if s.Contains(key) {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}

// ValidValue reports whether v can be sent as a header field value.
func ValidValue(v string) bool {
	return httpguts.ValidHeaderFieldValue(v)
}

// ValidName reports whether name is a valid header field name.
func ValidName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}
