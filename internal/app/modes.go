package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/kolcycle/internal/server"
	"github.com/alanyoungcy/kolcycle/internal/server/handler"
)

// OrchestratorMode runs the scheduler and, when enabled, the operator API.
func (a *App) OrchestratorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "orchestrator mode starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Scheduler.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, deps.Scheduler.Healthy)
	}
	return g.Wait()
}

// ServerMode runs only the operator API against the shared store. Any number
// of these can run beside a single orchestrator.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "server mode starting")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// TickMode runs one status check and one ingestion pass, then returns. It
// is meant for cron-style deployments and manual operator runs.
func (a *App) TickMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "tick mode starting")

	start := time.Now()
	if err := deps.Scheduler.RunOnce(ctx); err != nil {
		return fmt.Errorf("app: tick: %w", err)
	}
	a.logger.InfoContext(ctx, "tick finished", slog.Duration("took", time.Since(start)))
	return nil
}

// startHTTPServer adds the operator API goroutines to g. The server is shut
// down gracefully when the context is cancelled. healthy is nil when no
// scheduler runs in this process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, healthy func() bool) {
	srv := server.NewServer(server.Config{
		Port:       a.cfg.Server.Port,
		APIKey:     a.cfg.Server.APIKey,
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.Service.Health, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, healthy),
		Cycle:  handler.NewCycleHandler(deps.Service, a.logger),
	}, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
