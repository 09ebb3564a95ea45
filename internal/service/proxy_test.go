package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"edge-proxy-go/internal/client"
	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/header"
	"edge-proxy-go/internal/model"
)

var testClientIP = netip.MustParseAddr("203.0.113.7")

func newTestService(timeoutSeconds int) *ProxyService {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil, noop.NewTracerProvider().Tracer("test"))
	return NewProxyService(uc, header.NewHopSet(), logger)
}

// capture records what the upstream received.
type capture struct {
	requestURI string
	method     string
	header     http.Header
	body       string
	length     int64
}

// recorder keeps the last request seen by a capture server.
type recorder struct {
	mu   sync.Mutex
	last capture
}

func (r *recorder) get() capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func newCaptureServer(t *testing.T, respond func(w http.ResponseWriter)) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.last = capture{
			requestURI: r.RequestURI,
			method:     r.Method,
			header:     r.Header.Clone(),
			body:       string(b),
			length:     r.ContentLength,
		}
		rec.mu.Unlock()
		if respond != nil {
			respond(w)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestForward_RewritesURIAndKeepsQueryVerbatim(t *testing.T) {
	srv, rec := newCaptureServer(t, nil)
	s := newTestService(10)

	tests := []struct {
		name    string
		target  string
		wantURI string
	}{
		{"path only", "/r/foo", "/r/foo"},
		{"query kept in order", "/r/foo?b=2&a=1", "/r/foo?b=2&a=1"},
		{"encoded query untouched", "/search?q=a%20b&x=%2F", "/search?q=a%20b&x=%2F"},
		{"escaped path kept", "/files/a%2Fb", "/files/a%2Fb"},
		{"empty query marker kept", "/a?", "/a?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			resp, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: srv.URL}, req)
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()

			got := rec.get()
			if got.requestURI != tt.wantURI {
				t.Errorf("upstream RequestURI = %q, want %q", got.requestURI, tt.wantURI)
			}
		})
	}
}

func TestForward_ForwardedFor(t *testing.T) {
	srv, rec := newCaptureServer(t, nil)
	s := newTestService(10)

	tests := []struct {
		name  string
		prior []string
		want  string
	}{
		{"absent header set to client ip", nil, "203.0.113.7"},
		{"existing value appended", []string{"10.0.0.1"}, "10.0.0.1, 203.0.113.7"},
		{"existing chain appended", []string{"10.0.0.1, 10.0.0.2"}, "10.0.0.1, 10.0.0.2, 203.0.113.7"},
		{"multiple values joined", []string{"10.0.0.1", "10.0.0.2"}, "10.0.0.1, 10.0.0.2, 203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
			for _, v := range tt.prior {
				req.Header.Add("X-Forwarded-For", v)
			}

			resp, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: srv.URL}, req)
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()

			vals := rec.get().header.Values("X-Forwarded-For")
			if len(vals) != 1 || vals[0] != tt.want {
				t.Errorf("X-Forwarded-For = %q, want [%q]", vals, tt.want)
			}
		})
	}
}

func TestForward_ForwardedForIPv6(t *testing.T) {
	srv, rec := newCaptureServer(t, nil)
	s := newTestService(10)

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	resp, err := s.Forward(context.Background(), netip.MustParseAddr("2001:db8::1"), model.Upstream{Name: "backend", BaseURL: srv.URL}, req)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if v := rec.get().header.Get("X-Forwarded-For"); v != "2001:db8::1" {
		t.Errorf("X-Forwarded-For = %q, want %q", v, "2001:db8::1")
	}
}

func TestForward_StripsHopHeaders(t *testing.T) {
	srv, rec := newCaptureServer(t, func(w http.ResponseWriter) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Proxy-Authenticate", "Basic realm=x")
		w.Header().Set("Trailers", "Expires")
		w.Header().Set("X-Upstream", "kept")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("payload"))
	})
	s := newTestService(10)

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Trailers", "Expires")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Authorization", "Bearer end-to-end")
	req.Header.Set("X-Request-Id", "req-1")

	resp, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: srv.URL}, req)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	got := rec.get()
	for _, h := range []string{"Keep-Alive", "Proxy-Authorization", "Te", "Trailers", "Upgrade"} {
		if v := got.header.Get(h); v != "" {
			t.Errorf("upstream received hop header %s = %q", h, v)
		}
	}
	if v := got.header.Get("Authorization"); v != "Bearer end-to-end" {
		t.Errorf("Authorization = %q, want end-to-end header forwarded", v)
	}
	if v := got.header.Get("X-Request-Id"); v != "req-1" {
		t.Errorf("X-Request-Id = %q, want %q", v, "req-1")
	}
	if v := got.header.Get("User-Agent"); v != "" {
		t.Errorf("User-Agent = %q, want none synthesized", v)
	}
	if _, ok := req.Header["Keep-Alive"]; !ok {
		t.Error("inbound request headers were mutated")
	}

	for _, h := range []string{"Keep-Alive", "Proxy-Authenticate", "Trailers"} {
		if v := resp.Header.Get(h); v != "" {
			t.Errorf("response hop header %s = %q survived", h, v)
		}
	}
	if v := resp.Header.Get("X-Upstream"); v != "kept" {
		t.Errorf("X-Upstream = %q, want %q", v, "kept")
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Errorf("body = %q, want %q", body, "payload")
	}
}

func TestForward_PassesMethodAndBody(t *testing.T) {
	srv, rec := newCaptureServer(t, nil)
	s := newTestService(10)

	req := httptest.NewRequest(http.MethodPut, "/r/items/1", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: srv.URL}, req)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	got := rec.get()
	if got.method != http.MethodPut {
		t.Errorf("method = %q, want %q", got.method, http.MethodPut)
	}
	if got.body != `{"name":"x"}` {
		t.Errorf("body = %q", got.body)
	}
	if got.length != int64(len(`{"name":"x"}`)) {
		t.Errorf("ContentLength = %d", got.length)
	}
	if v := got.header.Get("Content-Type"); v != "application/json" {
		t.Errorf("Content-Type = %q", v)
	}
}

func TestForward_InvalidUpstreamURI(t *testing.T) {
	s := newTestService(10)

	for _, base := range []string{"http://bad host", "backend:8080", "://nohost", ""} {
		t.Run(base, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/r/foo", http.NoBody)
			_, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: base}, req)
			if !errors.Is(err, model.ErrInvalidUpstreamURI) {
				t.Fatalf("Forward() error = %v, want ErrInvalidUpstreamURI", err)
			}
		})
	}
}

func TestForward_HeaderEncodingError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	s := newTestService(10)

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	req.Header["X-Forwarded-For"] = []string{"10.0.0.1\x7f"}

	_, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: srv.URL}, req)
	if !errors.Is(err, model.ErrHeaderEncoding) {
		t.Fatalf("Forward() error = %v, want ErrHeaderEncoding", err)
	}

	_, err = s.Forward(context.Background(), netip.Addr{}, model.Upstream{Name: "backend", BaseURL: srv.URL}, httptest.NewRequest(http.MethodGet, "/x", http.NoBody))
	if !errors.Is(err, model.ErrHeaderEncoding) {
		t.Fatalf("Forward() with unknown client ip error = %v, want ErrHeaderEncoding", err)
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestForward_TransportError(t *testing.T) {
	s := newTestService(1)

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	_, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: "http://127.0.0.1:1"}, req)
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("Forward() error = %v, want ErrTransport", err)
	}

	var pe *model.ProxyError
	if !errors.As(err, &pe) || pe.Cause == nil {
		t.Fatalf("expected ProxyError with cause, got %v", err)
	}
}

func TestForward_TimeoutNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(1500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	s := newTestService(1)

	req := httptest.NewRequest(http.MethodGet, "/slow", http.NoBody)
	_, err := s.Forward(context.Background(), testClientIP, model.Upstream{Name: "backend", BaseURL: srv.URL}, req)
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("Forward() error = %v, want ErrTransport", err)
	}

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("expected a timeout cause, got %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want exactly 1 (no retry)", n)
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		target  string
		want    string
		wantErr bool
	}{
		{"simple", "http://backend:8080", "/r/foo", "http://backend:8080/r/foo", false},
		{"with query", "http://backend:8080", "/r/foo?x=1&y=%20", "http://backend:8080/r/foo?x=1&y=%20", false},
		{"https", "https://backend", "/", "https://backend/", false},
		{"no scheme", "backend:8080", "/r", "", true},
		{"bad host", "http://bad host", "/r", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := url.ParseRequestURI(tt.target)
			if err != nil {
				t.Fatal(err)
			}
			got, err := buildUpstreamURL(tt.base, in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildUpstreamURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got.String(), tt.want)
			}
		})
	}
}
