package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"edge-proxy-go/internal/config"
)

// Registry looks the workspace up in Redis by request host, falling back to
// a static identifier when the host has no entry. Lookup failures are
// returned, never masked by the fallback.
type Registry struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	fallback  Static
	logger    *slog.Logger
}

// NewRegistry creates a Registry backed by client.
func NewRegistry(client *redis.Client, cfg config.TenantConfig, logger *slog.Logger) *Registry {
	return &Registry{
		client:    client,
		keyPrefix: cfg.Redis.KeyPrefix,
		timeout:   time.Duration(cfg.Redis.TimeoutMS) * time.Millisecond,
		fallback:  Static{ID: cfg.DefaultID},
		logger:    logger.With("component", "tenant_registry"),
	}
}

// NewRedisClient opens a client for the configured registry.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
}

// Resolve implements Resolver.
func (g *Registry) Resolve(ctx context.Context, r *http.Request) (string, string, error) {
	key := g.keyPrefix + hostKey(r.Host)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	id, err := g.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && id == "") {
		g.logger.Debug("no registry entry, using fallback", "key", key)
		return g.fallback.Resolve(ctx, r)
	}
	if err != nil {
		return "", "", fmt.Errorf("registry get %s: %w", key, err)
	}
	return id, SourceRegistry, nil
}

// Ping checks connectivity to the registry.
func (g *Registry) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// hostKey normalizes a Host header value: lower case, without port.
func hostKey(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
