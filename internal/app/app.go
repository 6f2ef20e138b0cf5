// Package app wires the relay together: config, logging, the connection
// registry and relay, the optional coordinator, the websocket server and
// the ambient services (audit, housekeeping, pprof).
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyrelay/internal/config"
	"notifyrelay/internal/coordinator"
	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/housekeeping"
	"notifyrelay/internal/observability/pprof"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/relay"
	rtsup "notifyrelay/internal/runtime/supervisor"
	"notifyrelay/internal/server"
	"notifyrelay/internal/storage"
	logx "notifyrelay/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	node string

	store    storage.Store
	recorder *storage.Recorder

	reg   *registry.Registry
	coord *coordinator.Coordinator // nil when standalone
	relay *relay.Relay
	srv   *server.Server

	hk    *housekeeping.Service
	pprof *pprof.Service
}

// New loads the config and builds every component. Nothing listens or runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		node: nodeID(cfg),
		reg:  registry.New(),
	}
	if err := a.build(cfg); err != nil {
		_ = a.closeAll(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	root := a.logs.Logger()

	sc, retention, enabled, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, a.bus, a.node, root)
		a.log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	var dir relay.Directory = relay.NewLocal(a.reg)
	backend, err := openBackend(cfg, a.node)
	if err != nil {
		return fmt.Errorf("open coordinator: %w", err)
	}
	if backend != nil {
		opts, err := mapCoordinator(cfg, a.node)
		if err != nil {
			_ = backend.Close()
			return err
		}
		opts.Log = root.With(logx.String("comp", "coordinator"))
		opts.Bus = a.bus
		a.coord = coordinator.New(a.reg, backend, opts)
		dir = a.coord
		a.log.Info("coordinator enabled", logx.String("driver", cfg.Coordinator.DriverName()))
	}

	sendTimeout, err := config.ParseDurationField("relay.send_timeout", cfg.Relay.SendTimeout)
	if err != nil {
		return err
	}
	a.relay = relay.New(dir,
		relay.WithLogger(root),
		relay.WithEventBus(a.bus),
		relay.WithLimits(mapLimits(cfg)),
		relay.WithSendTimeout(sendTimeout),
	)

	srvCfg, err := mapServer(cfg)
	if err != nil {
		return err
	}
	opts := []server.Option{
		server.WithLogger(root),
		server.WithNodeID(a.node),
		server.WithStats(a.extraStats),
	}
	if a.coord != nil {
		opts = append(opts, server.WithReadiness(a.coord.Ping))
	}
	a.hk = housekeeping.New(mapHousekeeping(cfg), root)
	opts = append(opts,
		server.WithOwnerLookup(a.owner),
		server.WithJobRunner(a.hk.RunNow),
	)
	if a.store != nil {
		opts = append(opts, server.WithAuditLog(a.store.RecentAudit))
	}
	a.srv, err = server.New(srvCfg, a.relay, opts...)
	if err != nil {
		return err
	}

	a.hk.Register(housekeeping.JobStats, housekeeping.StatsJob(a.log, a.statsFields))
	if a.coord != nil {
		a.hk.Register(housekeeping.JobRefresh, housekeeping.RefreshJob(a.coord, a.log))
	}
	if a.store != nil {
		a.hk.Register(housekeeping.JobPrune, housekeeping.PruneJob(a.store, retention, a.log))
	}

	a.pprof = pprof.New(pprof.FromConfig(cfg.Pprof), root, func() any { return a.extraStats() })
	return nil
}

// Addr returns the websocket listener address once started.
func (a *App) Addr() string { return a.srv.Addr() }

// Logger is the configured root logger; it writes to every sink in the
// logging section until Stop.
func (a *App) Logger() logx.Logger { return a.logs.Logger() }

// Connections is the number of addressable local connections.
func (a *App) Connections() int { return a.reg.Len() }

// owner reports which connection holds key: the shared store when a
// coordinator runs, the local registry otherwise.
func (a *App) owner(ctx context.Context, key string) (string, bool, error) {
	if a.coord == nil {
		conn, ok := a.reg.Find(key)
		if !ok {
			return "", false, nil
		}
		return fmt.Sprintf("%s/%d", a.node, conn.ID()), true, nil
	}
	ref, err := a.coord.Lookup(ctx, key)
	if errors.Is(err, coordinator.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

// NodeID is this process's id in the coordinator store.
func (a *App) NodeID() string { return a.node }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches background services and binds the listener. A bind
// failure is returned; every other component degrades instead of failing.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(a.validateReload)

	if a.recorder != nil {
		a.sup.Go0("audit.record", func(c context.Context) { _ = a.recorder.Run(c) })
	}
	if a.coord != nil {
		pctx, cancel := context.WithTimeout(runCtx, 3*time.Second)
		if err := a.coord.Ping(pctx); err != nil {
			// degraded: local delivery still works, the subscription keeps retrying
			a.log.Warn("coordinator store unreachable at start", logx.Err(err))
		}
		cancel()
		a.sup.GoRestart("coordinator.run", a.coord.Run, rtsup.WithRestartBackoff(500*time.Millisecond, 15*time.Second))
	}

	if err := a.srv.Start(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}

	a.hk.Start(runCtx)
	a.pprof.Reconfigure(runCtx, pprof.FromConfig(a.cfgm.Get().Pprof))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("node", a.node),
		logx.String("addr", a.srv.Addr()),
		logx.String("config", a.cfgm.Path()),
		logx.Bool("coordinator", a.coord != nil),
		logx.Bool("audit", a.store != nil),
	)
	return nil
}

// validateReload rejects reloads that would change the node identity of a
// running coordinator; everything else was covered by config.Validate.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if id := strings.TrimSpace(cfg.Relay.NodeID); id != "" && id != a.node {
		return fmt.Errorf("relay.node_id cannot change at runtime (running as %q)", a.node)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeAll(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop config reloads and background loops first; connection handlers
	// run on the server's own context and unwind in the server step.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedCtx(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("server", 5*time.Second, a.srv.Shutdown)
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.hk.Stop(c); return nil })
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("close", 3*time.Second, a.closeAll)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return nil
}

// closeAll drains coordinator writes (the removals queued by connection
// cleanup) and then closes the stores.
func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		if err := a.coord.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// boundedCtx respects the caller's deadline and never extends it.
func boundedCtx(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, max)
}

func (a *App) extraStats() map[string]any {
	out := map[string]any{
		"events_dropped": a.bus.Dropped(),
		"housekeeping":   a.hk.Snapshot(),
	}
	if a.coord != nil {
		out["coordinator"] = a.coord.Stats()
	}
	if a.recorder != nil {
		w, f := a.recorder.Counts()
		out["audit"] = map[string]uint64{"written": w, "failed": f}
	}
	return out
}

func (a *App) statsFields() []logx.Field {
	st := a.relay.Stats()
	fields := []logx.Field{
		logx.Int("connections", st.Registered),
		logx.Int64("active", st.Active),
		logx.Uint64("delivered", st.Delivered),
		logx.Uint64("published", st.Published),
		logx.Uint64("dropped", st.Dropped),
		logx.Uint64("invalid", st.Invalid),
		logx.Uint64("rate_limited", st.RateLimited),
	}
	if a.coord != nil {
		cs := a.coord.Stats()
		fields = append(fields,
			logx.Int64("store_pending", cs.Pending),
			logx.Uint64("store_failed", cs.FailedWrites),
			logx.Uint64("remote_delivered", cs.RemoteDelivered),
		)
	}
	return fields
}
