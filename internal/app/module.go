// Package app composes the daemon from its parts and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dmoura/convo/internal/bus"
	"github.com/dmoura/convo/internal/config"
	"github.com/dmoura/convo/internal/docstore"
	"github.com/dmoura/convo/internal/docstore/memstore"
	"github.com/dmoura/convo/internal/docstore/mongostore"
	"github.com/dmoura/convo/internal/engine"
	"github.com/dmoura/convo/internal/identity"
	"github.com/dmoura/convo/internal/kv"
	"github.com/dmoura/convo/internal/lock"
	"github.com/dmoura/convo/internal/logging"
	"github.com/dmoura/convo/internal/profile"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("convod",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideKV,
			provideStore,
			provideIdentityProvider,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// First run: no config yet.
		cfg = config.Default()
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideKV(p Params, _ *lock.Lock, logger *zap.Logger) (*kv.Store, error) {
	path := profile.KVPath(p.ProfileName)
	s, err := kv.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("local store initialized", zap.String("path", path))
	return s, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (docstore.Store, error) {
	switch cfg.Provider.Backend {
	case "", "memory":
		logger.Info("using in-memory document store")
		return memstore.New(), nil
	case "mongo":
		s, err := mongostore.Open(context.Background(), cfg.Provider.MongoURI, cfg.Provider.Database, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to document store", zap.String("database", cfg.Provider.Database))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Provider.Backend)
	}
}

func provideIdentityProvider(cfg *config.Config) identity.Provider {
	return identity.NewTokenProvider(cfg.Provider.AuthSecret)
}

func provideEngine(store docstore.Store, b *bus.Bus, logger *zap.Logger,
	cfg *config.Config, provider identity.Provider, kvs *kv.Store) *engine.Engine {
	return engine.New(store, b, logger, *cfg, provider, kvs, nil)
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, lk *lock.Lock,
	store docstore.Store, kvs *kv.Store, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			eng.Start()
			logger.Info("engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			eng.Stop()
			if ms, ok := store.(*mongostore.Store); ok {
				if err := ms.Close(ctx); err != nil {
					logger.Warn("error closing document store", zap.Error(err))
				}
			}
			if err := kvs.Close(); err != nil {
				logger.Warn("error closing local store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
