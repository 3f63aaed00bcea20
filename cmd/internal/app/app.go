// Package app wires the presence server runtime: config, logging, storage,
// HTTP routes, the realtime gateway and background reconciliation.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/presence"
	presenceapi "helpdesk/cmd/internal/presence/api"
	"helpdesk/cmd/internal/realtime"
	"helpdesk/cmd/internal/reconcile"
	"helpdesk/cmd/internal/relay"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// App is the presence server runtime. It owns the HTTP server, the presence
// store and every component subscribed to it.
type App struct {
	cfg Config
	log Logger

	storage *storage
	metrics *metrics.Recorder

	store  *presence.Store
	ws     *realtime.Gateway
	api    *presenceapi.Handler
	bridge *reconcile.Bridge // nil when the durable mirror is disabled
	stale  *reconcile.StaleSweeper

	nats *nats.Conn

	detach    []func()
	closeOnce sync.Once
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	authn, err := auth.New(cfg.AuthConfig())
	if err != nil {
		return nil, err
	}

	st, err := newStorage(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, storage: st}
	if err := a.wire(authn); err != nil {
		if a.ws != nil {
			_ = a.ws.Shutdown(context.Background())
		}
		if a.store != nil {
			a.store.Shutdown()
		}
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(authn auth.Authenticator) error {
	cfg, log := a.cfg, a.log

	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
	}
	rec := a.metrics

	a.store = presence.NewStore(log, presence.Config{
		TTL:           cfg.PresenceTTL,
		SweepInterval: cfg.SweepInterval,
	}, presence.WithSweepObserver(func(r presence.SweepResult) {
		rec.SweepEvicted(r.Evicted)
	}))

	rec.RegisterStoreGauges(a.store.Len, func() int { return a.store.Stats().Online })
	a.detach = append(a.detach, a.store.Subscribe(func(ev presence.Event) {
		rec.Transition(ev.Online, string(ev.Cause))
	}))

	gwOpts := []realtime.GatewayOption{realtime.WithMetrics(rec)}
	apiOpts := []presenceapi.HandlerOption{presenceapi.WithMetrics(rec)}

	if mirror := a.storage.mirror; mirror != nil {
		bridge, err := reconcile.NewBridge(log, mirror, reconcile.BridgeConfig{
			Workers:      cfg.ReconcileWorkers,
			WriteTimeout: cfg.ReconcileWriteTimeout,
			DrainTimeout: cfg.ReconcileDrainTimeout,
		}, rec)
		if err != nil {
			return err
		}
		a.bridge = bridge
		a.detach = append(a.detach, bridge.Attach(a.store.Bus()))

		stale, err := reconcile.NewStaleSweeper(log, mirror, a.store, bridge, reconcile.StaleConfig{
			Threshold: cfg.DurableStaleThreshold,
			Interval:  cfg.DurableSweepInterval,
		}, rec)
		if err != nil {
			return err
		}
		a.stale = stale

		gwOpts = append(gwOpts, realtime.WithDurable(bridge))
		apiOpts = append(apiOpts, presenceapi.WithMirror(mirror), presenceapi.WithDurable(bridge))
	}

	if cfg.NATSURL != "" {
		nc, err := relay.Connect(log, cfg.NATSURL, "helpdesk-presence-"+cfg.NodeID)
		if err != nil {
			return err
		}
		a.nats = nc
		r := relay.New(log, nc, cfg.NATSSubjectPrefix, cfg.NodeID, rec)
		a.detach = append(a.detach, r.Attach(a.store.Bus()))
		log.Info("relay.enabled", "prefix", cfg.NATSSubjectPrefix)
	}

	ws, err := realtime.NewGateway(log, a.store, authn, realtime.GatewayConfig{
		DevInsecure:    cfg.WSDevInsecure,
		OriginRequired: cfg.WSOriginRequired,
		AllowedOrigins: cfg.WSAllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
		SendQueueSize:  cfg.WSSendQueue,
		PingInterval:   cfg.WSPingInterval,
		ConnTimeout:    cfg.WSConnTimeout,
		RateEvents:     cfg.WSRateEvents,
		RateWindow:     cfg.WSRateWindow,
	}, gwOpts...)
	if err != nil {
		return err
	}
	a.ws = ws

	apiOpts = append(apiOpts, presenceapi.WithConnections(ws))
	api, err := presenceapi.NewHandler(log, a.store, authn, presenceapi.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		TrustProxy:        cfg.TrustProxy,
	}, apiOpts...)
	if err != nil {
		return err
	}
	a.api = api
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.storage.mirror, a.ws, a.api, a.metrics)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled or the server fails. Shutdown order: stop accepting, close
// websocket sessions (forcing their users offline), stop the store, then let
// the bridge drain the resulting durable writes.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// The bridge outlives ctx so that offline writes produced during shutdown
	// still reach the durable mirror.
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if a.bridge != nil {
			_ = a.bridge.Run(bridgeCtx)
		}
	}()

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"node", a.cfg.NodeID,
		"storage", a.storage.kind,
		"auth_mode", a.cfg.AuthMode,
		"ttl", a.cfg.PresenceTTL.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.stale != nil {
		g.Go(func() error { return a.stale.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := a.ws.Shutdown(shutdownCtx); err != nil {
			a.log.Error("ws.shutdown.fail", "err", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		a.store.Shutdown()

		stopBridge()
		<-bridgeDone

		a.close()
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// close releases subscriptions and external clients once. Safe on a partially wired App.
func (a *App) close() {
	a.closeOnce.Do(a.release)
}

func (a *App) release() {
	for i := len(a.detach) - 1; i >= 0; i-- {
		a.detach[i]()
	}
	a.detach = nil

	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.log.Warn("relay.nats.drain.fail", "err", err)
		}
		a.nats = nil
	}
	a.storage.Close()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
