package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"turnstile-solver-go/internal/browser"
	"turnstile-solver-go/internal/cache"
	"turnstile-solver-go/internal/config"
	"turnstile-solver-go/internal/handler"
	"turnstile-solver-go/internal/metrics"
	"turnstile-solver-go/internal/middleware"
	"turnstile-solver-go/internal/service"
	"turnstile-solver-go/internal/solver"
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
		kong.Name("turnstile-solver"),
		kong.Description("Converts interactive bot-verification challenges into replayable HTTP headers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newEcho,
			metrics.New,
			browser.NewPlaywrightFactory,
			func(f *browser.PlaywrightFactory) browser.Factory { return f },
			newCacheStore,
			cache.NewLockRegistry,
			solver.New,
			service.New,
			handler.NewSolveHandler,
			newHealthHandler,
		),
		fx.Invoke(
			prepareArtifactDirs,
			handler.RegisterRoutes,
			registerMetricsRoute,
			warnConfigPermissions,
			manageBrowserDriver,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer
	switch strings.ToLower(cfg.Log.Mode) {
	case "disabled":
		return slog.New(slog.DiscardHandler), nil
	case "file":
		// Held open for the process lifetime.
		f, err := os.OpenFile(cfg.Log.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.Log.FilePath, err)
		}
		out = f
	default:
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h), nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout is
	// generous: a solve call legitimately takes minutes when the challenge
	// is slow and attempts stack up.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 10 * time.Minute
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newCacheStore(cfg *config.Config) *cache.Store {
	return cache.NewStore(cfg.Solver.CacheTimeout())
}

func newHealthHandler(cfg *config.Config, p *service.Pipeline, v handler.Version) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, p, v)
}

// prepareArtifactDirs creates every configured artifact directory up front
// so solve-time writes do not fail on a missing path.
func prepareArtifactDirs(cfg *config.Config) error {
	dirs := []string{cfg.Artifacts.VideoDir}
	if cfg.Artifacts.SaveDebugScreenshots {
		dirs = append(dirs, cfg.Artifacts.ScreenshotDir)
	}
	if cfg.Artifacts.HeadersOutputPath != "" {
		dirs = append(dirs, filepath.Dir(cfg.Artifacts.HeadersOutputPath))
	}
	if strings.ToLower(cfg.Log.Mode) == "file" {
		dirs = append(dirs, filepath.Dir(cfg.Log.FilePath))
	}
	for _, d := range dirs {
		if d == "" || d == "." {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create artifact dir %s: %w", d, err)
		}
	}
	return nil
}

func registerMetricsRoute(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(
		promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
	))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// manageBrowserDriver ties the Playwright driver to the app lifecycle.
// The driver starts lazily on the first solve; shutdown stops it.
func manageBrowserDriver(lc fx.Lifecycle, f *browser.PlaywrightFactory, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			logger.Info("stopping browser driver")
			return f.Shutdown()
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
