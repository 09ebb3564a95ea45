package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"edge-proxy-go/internal/client"
	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/handler"
	"edge-proxy-go/internal/header"
	"edge-proxy-go/internal/listener"
	"edge-proxy-go/internal/metrics"
	"edge-proxy-go/internal/middleware"
	"edge-proxy-go/internal/routing"
	"edge-proxy-go/internal/service"
	"edge-proxy-go/internal/tenant"
	"edge-proxy-go/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edge-proxy"),
		kong.Description("Edge reverse proxy routing requests to internal upstream services."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newTracing,
			func() *header.HopSet { return header.NewHopSet() },
			client.NewUpstreamClient,
			fx.Annotate(service.NewProxyService, fx.As(new(routing.Forwarder))),
			routing.NewPolicy,
			newResolver,
			routing.NewRouter,
			newProxyHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newTracing(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (trace.Tracer, error) {
	p, err := tracing.New(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, err
	}
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_rate", cfg.Tracing.SampleRate)
	}
	lc.Append(fx.Hook{OnStop: p.Shutdown})
	return p.Tracer(), nil
}

// newResolver uses the Redis workspace registry when one is configured and
// the static placeholder otherwise.
func newResolver(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) tenant.Resolver {
	static := tenant.Static{ID: cfg.Tenant.DefaultID}
	if !cfg.Tenant.Enabled || cfg.Tenant.Redis.Addr == "" {
		return static
	}

	rdb := tenant.NewRedisClient(cfg.Tenant.Redis)
	reg := tenant.NewRegistry(rdb, cfg.Tenant, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Lookups fail per request while Redis is down; startup does not.
			if err := reg.Ping(ctx); err != nil {
				logger.Warn("workspace registry unreachable", "addr", cfg.Tenant.Redis.Addr, "err", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	logger.Info("workspace registry enabled", "addr", cfg.Tenant.Redis.Addr)
	return reg
}

func newProxyHandler(rt *routing.Router, policy *routing.Policy, logger *slog.Logger, m *metrics.Metrics) *handler.ProxyHandler {
	return handler.NewProxyHandler(rt.Route, policy, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, policy *routing.Policy, tracer trace.Tracer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// The peer address is the only client identity; forwarding headers are
	// never trusted.
	e.IPExtractor = echo.ExtractIPDirect()

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long streamed upstream responses are
	// not cut off; the upstream client timeout bounds them instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ConnContext = listener.ConnContext

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, policy.Label))
	}
	if cfg.Tracing.Enabled {
		e.Use(middleware.Tracing(tracer))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, policy *routing.Policy, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := listener.Listen(addr)
			if err != nil {
				return err
			}
			logger.Info("starting server",
				"addr", addr,
				"routes", policy.Len(),
				"upstreams", policy.Upstreams(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
