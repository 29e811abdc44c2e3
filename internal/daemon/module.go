package daemon

import (
	"context"
	"errors"

	"github.com/99designs/keyring"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/postbox/internal/account"
	"github.com/matheus3301/postbox/internal/api"
	"github.com/matheus3301/postbox/internal/blob"
	"github.com/matheus3301/postbox/internal/bus"
	"github.com/matheus3301/postbox/internal/config"
	"github.com/matheus3301/postbox/internal/credential"
	"github.com/matheus3301/postbox/internal/engine"
	"github.com/matheus3301/postbox/internal/errs"
	"github.com/matheus3301/postbox/internal/lock"
	"github.com/matheus3301/postbox/internal/logging"
	"github.com/matheus3301/postbox/internal/status"
	"github.com/matheus3301/postbox/internal/store"
	"github.com/matheus3301/postbox/internal/tracing"
)

// Params holds the resolved account passed to the fx module.
type Params struct {
	Account config.AccountEntry
	// SocketPath overrides the account socket, e.g. in tests.
	SocketPath string
	Debug      bool
	// NoAutoStart keeps the IO loops stopped until a client starts them.
	NoAutoStart bool
	// Keyring replaces the system keyring, e.g. keyring.NewArrayKeyring in tests.
	Keyring keyring.Keyring
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			providePaths,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideSettings,
			provideStore,
			provideBlobs,
			provideCredentials,
			provideTracing,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func providePaths(p Params) account.Paths {
	return account.PathsFor(p.Account.Dir)
}

func provideLogger(p Params, paths account.Paths) (*zap.Logger, error) {
	return logging.New(paths.LogFile(), p.Account.Name, p.Debug)
}

func provideBus(p Params) *bus.Bus {
	return bus.New(p.Account.ID)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(paths account.Paths, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("dir", paths.Dir))
	l, err := lock.Acquire(paths.Dir)
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideSettings(paths account.Paths, logger *zap.Logger) (*config.Settings, error) {
	s, err := config.LoadSettings(paths.Settings())
	if err != nil {
		return nil, err
	}
	logger.Info("settings loaded", zap.String("path", paths.Settings()), zap.Bool("configured", s.Configured()))
	return s, nil
}

// provideStore opens the database once the account lock is held.
func provideStore(paths account.Paths, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DB()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store opened",
		zap.String("path", dbPath),
		zap.Uint("schema", result.Version),
		zap.Bool("migrated", result.Changed),
		zap.Uint("from", result.From))
	return db, nil
}

func provideBlobs(paths account.Paths) (*blob.Dir, error) {
	return blob.Open(paths.BlobDir())
}

func provideCredentials(p Params, paths account.Paths) (*credential.Store, error) {
	if p.Keyring != nil {
		return credential.New(p.Keyring, p.Account.UUID), nil
	}
	return credential.Open(p.Account.UUID, paths.Dir)
}

func provideTracing(lc fx.Lifecycle, p Params, s *config.Settings, logger *zap.Logger) (*tracing.Provider, error) {
	tp, err := tracing.Setup(context.Background(), s.Tracing, p.Account.Name, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(tp.Shutdown))
	return tp, nil
}

// provideEngine takes the tracing provider so spans are exported from the
// first operation on.
func provideEngine(
	s *config.Settings,
	paths account.Paths,
	db *store.DB,
	blobs *blob.Dir,
	b *bus.Bus,
	m *status.Machine,
	creds *credential.Store,
	_ *tracing.Provider,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(engine.Options{
		Settings:     s,
		SettingsPath: paths.Settings(),
		DB:           db,
		Blobs:        blobs,
		Bus:          b,
		Machine:      m,
		Secrets:      creds,
		Passwords:    creds,
		Logger:       logger,
	})
}

func provideService(eng *engine.Engine, logger *zap.Logger) *api.Service {
	return api.NewService(eng, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, eng *engine.Engine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if p.NoAutoStart {
				return nil
			}
			err := eng.Start(ctx)
			if errors.Is(err, errs.ErrNotConfigured) {
				logger.Info("account not configured, waiting for configure")
				return nil
			}
			return err
		},
		OnStop: func(ctx context.Context) error {
			if err := eng.Stop(); err != nil {
				logger.Warn("error stopping engine", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
