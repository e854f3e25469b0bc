package app

import (
	"context"
	"log/slog"

	"github.com/routstr/arbstr/internal/clock"
	"github.com/routstr/arbstr/internal/metrics"
	"github.com/routstr/arbstr/internal/proxy"
	"github.com/routstr/arbstr/internal/storage"
)

// initStorage opens the SQLite request log. Failure is not fatal: the
// proxy keeps serving with request logging disabled.
func (a *App) initStorage(ctx context.Context) error {
	if a.cfg.Database.Path == "" {
		a.log.Info("request logging disabled: no database path configured")
		return nil
	}

	store, err := storage.Open(ctx, a.cfg.Database.Path, a.log)
	if err != nil {
		a.log.Warn("failed to initialize database, request logging disabled",
			slog.String("path", a.cfg.Database.Path),
			slog.String("error", err.Error()),
		)
		return nil
	}

	a.store = store
	a.log.Info("request log opened", slog.String("path", a.cfg.Database.Path))
	return nil
}

// initServices creates the Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	if a.store != nil {
		a.prom.RegisterDroppedWrites(a.store.DroppedWrites)
		a.prom.RegisterQueueDepth(a.store.QueueDepth)
	}
	return nil
}

// initGateway wires the circuit registry and the proxy together.
func (a *App) initGateway(_ context.Context) error {
	a.circuit = proxy.NewCircuitRegistry(a.cfg.ProviderNames(), clock.Real(), a.log)

	gw := proxy.NewGatewayWithOptions(a.cfg, a.circuit, proxy.GatewayOptions{
		Logger:      a.log,
		Metrics:     a.prom,
		Store:       a.store,
		LogRequests: a.cfg.Logging.LogRequests,
	})
	gw.SetVersion(a.version)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}
