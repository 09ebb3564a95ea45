// Package client provides the shared upstream HTTP client.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/metrics"
	"edge-proxy-go/internal/model"
)

// ErrCircuitOpen is returned when an upstream's circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("upstream circuit open")

// UpstreamClient sends requests to internal upstream services. A single
// instance is shared by all requests so connections are pooled.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	// breakers is populated at construction and only read afterwards.
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tracer trace.Tracer) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bodies are relayed byte-for-byte.
		DisableCompression: true,
	}

	c := &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   logger.With("component", "upstream_client"),
		metrics:  m,
		tracer:   tracer,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	if cfg.Upstream.Breaker.Enabled {
		for name := range cfg.Upstreams {
			c.breakers[name] = c.newBreaker(name, cfg.Upstream.Breaker)
		}
	}

	return c
}

func (c *UpstreamClient) newBreaker(name string, bc config.BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(bc.MaxFailures) //nolint:gosec // validated non-negative
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Duration(bc.OpenSeconds) * time.Second,
		// A client that went away says nothing about the upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"upstream", name,
				"from", from.String(),
				"to", to.String(),
			)
			if c.metrics != nil {
				c.metrics.BreakerTransits.WithLabelValues(name, from.String(), to.String()).Inc()
			}
		},
	})
}

// Do executes req against the named upstream and returns the raw response.
// The caller is responsible for closing the response body, which also ends
// the client span.
func (c *UpstreamClient) Do(upstream string, req *http.Request) (*model.ProxyResponse, error) {
	ctx, span := c.tracer.Start(req.Context(), "upstream "+upstream,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.name", upstream),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
		),
	)
	req = req.WithContext(ctx)

	c.logger.Debug("upstream request",
		"upstream", upstream,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.roundTrip(upstream, req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(upstream, method).Observe(duration)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(upstream, method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &spanBody{ReadCloser: resp.Body, span: span},
	}, nil
}

// spanBody ends the client span when the relayed body is closed, so body
// transfer time and read failures belong to the span.
type spanBody struct {
	io.ReadCloser
	span trace.Span
	once sync.Once
}

func (b *spanBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.span.RecordError(err)
		b.span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.span.End() })
	return err
}

// roundTrip sends req, through the upstream's breaker when one is configured.
// Only transport failures count against the breaker; any HTTP status is a success.
func (c *UpstreamClient) roundTrip(upstream string, req *http.Request) (*http.Response, error) {
	cb, ok := c.breakers[upstream]
	if !ok {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, upstream, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// BreakerState returns the breaker state of the named upstream, or "disabled".
func (c *UpstreamClient) BreakerState(upstream string) string {
	cb, ok := c.breakers[upstream]
	if !ok {
		return "disabled"
	}
	return cb.State().String()
}
