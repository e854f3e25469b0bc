// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStorage  — SQLite request log (optional; degrades to disabled)
//  2. initServices — Prometheus metrics registry
//  3. initGateway  — circuit registry + proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/routstr/arbstr/internal/config"
	"github.com/routstr/arbstr/internal/metrics"
	"github.com/routstr/arbstr/internal/proxy"
	"github.com/routstr/arbstr/internal/storage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional: nil when no database is configured or opening it failed.
	store *storage.Store

	prom    *metrics.Registry
	circuit *proxy.CircuitRegistry
	mgmt    *proxy.ManagementRoutes
	gw      *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", a.initStorage},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts both HTTP listeners and blocks until ctx is cancelled or a
// server fails. It closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting arbstr",
		slog.String("version", a.version),
		slog.String("listen", a.cfg.Server.Listen),
		slog.String("management_listen", a.cfg.Server.ManagementListen),
		slog.Int("providers", len(a.cfg.Providers)),
		slog.Int("policies", len(a.cfg.Policies.Rules)),
	)

	api := a.gw.NewServer()
	mgmt := proxy.NewManagementServer(a.mgmt)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.ListenAndServe(a.cfg.Server.Listen)
	})
	if a.cfg.Server.ManagementListen != "" {
		g.Go(func() error {
			return mgmt.ListenAndServe(a.cfg.Server.ManagementListen)
		})
	}

	// Keep the per-provider circuit state gauges fresh.
	g.Go(func() error {
		a.publishCircuitGauges(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := api.Shutdown(); err != nil {
			a.log.Error("api server shutdown error", slog.String("error", err.Error()))
		}
		if err := mgmt.Shutdown(); err != nil {
			a.log.Error("management server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call
// multiple times.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("storage close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

// publishCircuitGauges refreshes the circuit state metrics until ctx is
// cancelled. The gateway seeds the gauges at startup; this loop picks up
// transitions that happen while requests flow.
func (a *App) publishCircuitGauges(ctx context.Context) {
	t := time.NewTicker(circuitGaugeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for name, b := range a.circuit.Snapshot() {
				a.prom.SetCircuitState(name, b.State.String(), int64(b.State))
			}
		}
	}
}

const circuitGaugeInterval = 5 * time.Second
