// Package routing maps inbound requests to upstream services using a static,
// ordered set of path rules.
package routing

import (
	"fmt"
	"strings"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/model"
)

// DefaultRuleName labels requests served by the fallback upstream.
const DefaultRuleName = "default"

// Rule maps matching request paths to an upstream.
type Rule struct {
	Name        string
	Match       string // config.MatchPrefix or config.MatchNumeric
	Prefix      string
	Upstream    model.Upstream
	Tenant      bool
	StripPrefix bool
}

// Matches reports whether path is selected by the rule.
func (r *Rule) Matches(path string) bool {
	switch r.Match {
	case config.MatchNumeric:
		return hasNumericSegment(path)
	default:
		return strings.HasPrefix(path, r.Prefix)
	}
}

// Rewrite returns the path to forward for a request the rule matched.
func (r *Rule) Rewrite(path string) string {
	if !r.StripPrefix {
		return path
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// hasNumericSegment reports whether the first path segment is an unsigned
// decimal number, e.g. "/2/system/load".
func hasNumericSegment(path string) bool {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return false
		}
	}
	return true
}

// Policy is the ordered routing table plus an optional fallback. It is built
// once at startup and is read-only afterwards, so it is shared by all
// requests without locking.
type Policy struct {
	rules        []Rule
	fallback     *Rule
	multiTenancy bool
	tenantHeader string
}

// NewPolicy compiles the routing table from cfg.
func NewPolicy(cfg *config.Config) (*Policy, error) {
	p := &Policy{
		rules:        make([]Rule, 0, len(cfg.Routes)),
		multiTenancy: cfg.Tenant.Enabled,
		tenantHeader: cfg.Tenant.Header,
	}

	for _, rc := range cfg.Routes {
		up, ok := cfg.Upstreams[rc.Upstream]
		if !ok {
			return nil, fmt.Errorf("route %q: unknown upstream %q", rc.Name, rc.Upstream)
		}
		p.rules = append(p.rules, Rule{
			Name:        rc.Name,
			Match:       rc.Match,
			Prefix:      rc.Prefix,
			Upstream:    model.Upstream{Name: rc.Upstream, BaseURL: up.BaseURL},
			Tenant:      rc.Tenant,
			StripPrefix: rc.StripPrefix,
		})
	}

	if name := cfg.Routing.DefaultUpstream; name != "" {
		up, ok := cfg.Upstreams[name]
		if !ok {
			return nil, fmt.Errorf("default upstream %q is not configured", name)
		}
		p.fallback = &Rule{
			Name:     DefaultRuleName,
			Upstream: model.Upstream{Name: name, BaseURL: up.BaseURL},
		}
	}

	return p, nil
}

// NewStaticPolicy builds a Policy directly from rules.
func NewStaticPolicy(rules []Rule, fallback *Rule, multiTenancy bool, tenantHeader string) *Policy {
	return &Policy{
		rules:        append([]Rule(nil), rules...),
		fallback:     fallback,
		multiTenancy: multiTenancy,
		tenantHeader: tenantHeader,
	}
}

// Match returns the first rule matching path, or the fallback. Rules are
// evaluated in declared order and evaluation stops at the first match.
func (p *Policy) Match(path string) (*Rule, bool) {
	for i := range p.rules {
		if p.rules[i].Matches(path) {
			return &p.rules[i], true
		}
	}
	if p.fallback != nil {
		return p.fallback, true
	}
	return nil, false
}

// Label returns a bounded metrics label for path: the matched rule name,
// "default", or "other".
func (p *Policy) Label(path string) string {
	if r, ok := p.Match(path); ok {
		return r.Name
	}
	return "other"
}

// MultiTenancy reports whether tenant injection is enabled.
func (p *Policy) MultiTenancy() bool { return p.multiTenancy }

// TenantHeader returns the injected header name.
func (p *Policy) TenantHeader() string { return p.tenantHeader }

// Upstreams returns the distinct upstream names referenced by the policy.
func (p *Policy) Upstreams() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, r := range p.rules {
		add(r.Upstream.Name)
	}
	if p.fallback != nil {
		add(p.fallback.Upstream.Name)
	}
	return names
}

// Len returns the number of ordered rules, not counting the fallback.
func (p *Policy) Len() int { return len(p.rules) }
