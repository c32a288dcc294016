package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/rangekeeper/internal/crypto"
	"github.com/custodia-labs/rangekeeper/internal/server"
	"github.com/custodia-labs/rangekeeper/internal/server/handler"
	"github.com/custodia-labs/rangekeeper/internal/server/ws"
	"github.com/custodia-labs/rangekeeper/internal/service"
)

// ServeMode runs the full custody service: HTTP + WebSocket API, signal
// intake, and controller repositioning. This is the normal production mode.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	custodySvc := service.NewCustodyService(
		deps.Engine, deps.Snapshots, deps.EventBus, deps.LockManager, deps.Notifier, a.logger,
	)
	signalSvc := service.NewSignalService(deps.Breaker, deps.EventBus, deps.Notifier, a.logger)

	// WebSocket hub rides on the event bus; without Redis there is nothing
	// to bridge, so the /ws endpoint is simply not registered.
	var hub *ws.Hub
	if deps.EventBus != nil {
		hub = ws.NewHub(deps.EventBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, custodySvc, signalSvc, hub)
	} else {
		a.logger.WarnContext(ctx, "server.enabled is false; serve mode has no API surface")
	}

	return g.Wait()
}

// MonitorMode runs a read-only replica: it serves the query API and relays
// bus events, but does not hold the reposition lock or accept signals as the
// authoritative instance would. Useful for dashboards pointed at a shared
// Redis/Postgres.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	// No lock manager and no notifier: a monitor observes, it does not act.
	custodySvc := service.NewCustodyService(
		deps.Engine, deps.Snapshots, deps.EventBus, nil, nil, a.logger,
	)
	signalSvc := service.NewSignalService(deps.Breaker, deps.EventBus, nil, a.logger)

	var hub *ws.Hub
	if deps.EventBus != nil {
		hub = ws.NewHub(deps.EventBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})

		// Breaker event consumer: log trips and clears seen on the bus so a
		// headless monitor still leaves an audit trail.
		g.Go(func() error {
			ch, err := deps.EventBus.Subscribe(ctx, "breaker")
			if err != nil {
				return fmt.Errorf("monitor mode: subscribe breaker: %w", err)
			}
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case data, ok := <-ch:
					if !ok {
						return nil
					}
					var evt map[string]any
					if err := json.Unmarshal(data, &evt); err != nil {
						continue
					}
					a.logger.InfoContext(ctx, "breaker event observed", slog.Any("event", evt))
				}
			}
		})
	}

	// The HTTP server is always started in monitor mode.
	a.startHTTPServer(ctx, g, deps, custodySvc, signalSvc, hub)

	return g.Wait()
}

// startHTTPServer adds the API server goroutines to the given errgroup and
// shuts the server down gracefully when the context is cancelled. hub may be
// nil, in which case the /ws endpoint is not registered.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	custodySvc *service.CustodyService,
	signalSvc *service.SignalService,
	hub *ws.Hub,
) {
	var auth *crypto.HMACAuth
	if a.cfg.Controller.HMACSecret != "" {
		auth = &crypto.HMACAuth{Secret: a.cfg.Controller.HMACSecret}
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.logger),
		Positions:  handler.NewPositionHandler(custodySvc, deps.ManagedKey, a.logger),
		Breaker:    handler.NewBreakerHandler(signalSvc, deps.Events, auth, common.HexToAddress(a.cfg.Breaker.AgentAddress), a.logger),
		Controller: handler.NewControllerHandler(custodySvc, deps.Controller, deps.ManagedKey, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		APIKey:           a.cfg.Server.APIKey,
		SignalRateLimit:  a.cfg.Server.SignalRateLimit,
		SignalRateWindow: a.cfg.Server.SignalRateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
