// Package tenant resolves the workspace identifier injected into requests
// bound for tenant-aware upstreams.
package tenant

import (
	"context"
	"net/http"
)

// Source labels where a resolved identifier came from.
const (
	SourceStatic   = "static"
	SourceRegistry = "registry"
)

// Resolver returns the tenant identifier for a request.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (id, source string, err error)
}

// Static always returns the configured identifier. The value is a stand-in
// until a registry entry exists for the request's host.
type Static struct {
	ID string
}

// Resolve implements Resolver.
func (s Static) Resolve(context.Context, *http.Request) (string, string, error) {
	return s.ID, SourceStatic, nil
}
