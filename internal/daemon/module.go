package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/wabridge/internal/api"
	"github.com/matheus3301/wabridge/internal/archive"
	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/chat"
	"github.com/matheus3301/wabridge/internal/config"
	"github.com/matheus3301/wabridge/internal/connection"
	"github.com/matheus3301/wabridge/internal/forward"
	"github.com/matheus3301/wabridge/internal/identity"
	"github.com/matheus3301/wabridge/internal/lock"
	"github.com/matheus3301/wabridge/internal/logging"
	"github.com/matheus3301/wabridge/internal/reconcile"
	"github.com/matheus3301/wabridge/internal/session"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.wabridge/config.toml
	// Factory replaces the whatsmeow adapter. Used by tests.
	Factory connection.Factory
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideFactory,
			provideManager,
			provideForwarder,
			provideReconciler,
			provideArchive,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the session lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.BridgeDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(db *store.DB, st *status.Machine, logger *zap.Logger) *identity.Detector {
	return identity.NewDetector(db, st, logger)
}

func provideFactory(p Params, cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) connection.Factory {
	if p.Factory != nil {
		return p.Factory
	}
	opts := wa.Options{
		Dir:           session.ClientDir(p.SessionName),
		SessionDBPath: session.SessionDBPath(p.SessionName),
		DeviceName:    cfg.Connection.DeviceName,
		Archive:       db,
	}
	return func(ctx context.Context) (chat.Client, error) {
		a, err := wa.NewAdapter(ctx, opts, b, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func provideManager(p Params, cfg *config.Config, factory connection.Factory, st *status.Machine, db *store.DB, b *bus.Bus, id *identity.Detector, logger *zap.Logger) *connection.Manager {
	return connection.New(factory, st, db, b, id, connection.Config{
		AutoReconnect:  cfg.Connection.AutoReconnect,
		ReconnectDelay: cfg.Connection.ReconnectDelay,
		LockPath:       session.ClientLockPath(p.SessionName),
		CallTimeout:    cfg.Reconcile.FetchTimeout,
	}, logger)
}

func provideForwarder(cfg *config.Config, db *store.DB, mgr *connection.Manager, b *bus.Bus, logger *zap.Logger) (*forward.Forwarder, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("forward timezone: %w", err)
	}
	return forward.New(db, mgr, b, forward.Config{
		SelfSentTTL: cfg.Forward.SelfSentTTL,
		DedupTTL:    cfg.Forward.DedupTTL,
		DedupPrefix: cfg.Forward.DedupPrefix,
		SendTimeout: cfg.Forward.SendTimeout,
		Location:    loc,
	}, logger), nil
}

func provideReconciler(cfg *config.Config, db *store.DB, mgr *connection.Manager, st *status.Machine, fwd *forward.Forwarder, b *bus.Bus, logger *zap.Logger) *reconcile.Engine {
	return reconcile.New(db, mgr, st, fwd, b, reconcile.Config{
		PageSize:           cfg.Reconcile.PageSize,
		HistoryWindow:      cfg.Reconcile.HistoryWindow,
		CacheTTL:           cfg.Reconcile.CacheTTL,
		FetchTimeout:       cfg.Reconcile.FetchTimeout,
		SummaryConcurrency: cfg.Reconcile.SummaryConcurrency,
	}, logger)
}

func provideArchive(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *archive.Engine {
	return archive.NewEngine(db, b, cfg.Archive.Retention, logger)
}

func provideService(p Params, st *status.Machine, mgr *connection.Manager, id *identity.Detector, db *store.DB, rec *reconcile.Engine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, st, mgr, id, db, rec, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, mgr *connection.Manager, fwd *forward.Forwarder, rec *reconcile.Engine, arch *archive.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// A restart drops the loop guards and the fetch cache.
			mgr.OnReset(fwd.Reset)
			mgr.OnReset(rec.Reset)

			// Archive and forwarder subscribe before the client can emit anything.
			arch.Start(context.Background())
			fwd.Start(context.Background())
			mgr.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Pairing may wait on the operator, so connect in the background.
			go func() {
				if err := mgr.Initialize(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			mgr.Stop()
			fwd.Stop()
			arch.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
