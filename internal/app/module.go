// Package app composes the engine: it provides every component to the fx
// container and ties startup and shutdown to the fx lifecycle.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mktplace-tools/chatsync/internal/bus"
	"github.com/mktplace-tools/chatsync/internal/cache"
	"github.com/mktplace-tools/chatsync/internal/config"
	"github.com/mktplace-tools/chatsync/internal/conn"
	"github.com/mktplace-tools/chatsync/internal/dispatch"
	"github.com/mktplace-tools/chatsync/internal/kv"
	"github.com/mktplace-tools/chatsync/internal/lock"
	"github.com/mktplace-tools/chatsync/internal/logging"
	"github.com/mktplace-tools/chatsync/internal/queue"
	"github.com/mktplace-tools/chatsync/internal/rest"
	"github.com/mktplace-tools/chatsync/internal/session"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	UserID      string // local identity; empty delays connect until set
	Credential  string // bearer token for both transports
	ConfigPath  string // optional override; empty = profile config.toml
}

// Module returns the fx module for the engine, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideCache,
			provideQueue,
			provideDialer,
			provideManager,
			provideHistory,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(p Params) (config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath(p.ProfileName)
	}
	return config.Load(context.Background(), path)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*kv.BoltStore, error) {
	path := session.QueueDBPath(p.ProfileName)
	store, err := kv.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", path))
	return store, nil
}

func provideCache(cfg config.Config) *cache.Cache {
	return cache.New(cache.Limits{
		MessagesPerConversation: cfg.Cache.MessagesPerConversation,
		TotalMessages:           cfg.Cache.TotalMessages,
		Conversations:           cfg.Cache.Conversations,
	})
}

func provideQueue(store *kv.BoltStore, b *bus.Bus, logger *zap.Logger, cfg config.Config) *queue.Queue {
	return queue.New(store, b, logger, queue.Options{
		Capacity:   cfg.Queue.Capacity,
		MaxRetries: cfg.Queue.MaxRetries,
		Expiry:     cfg.Queue.Expiry,
		ItemDelay:  cfg.Queue.ItemDelay,
	})
}

func provideDialer() conn.Dialer {
	return conn.WebsocketDialer{}
}

func provideManager(d conn.Dialer, b *bus.Bus, logger *zap.Logger, cfg config.Config) *conn.Manager {
	return conn.NewManager(d, b, logger, conn.Options{
		URL:               cfg.Server.ChannelURL,
		ConnectTimeout:    cfg.Conn.ConnectTimeout,
		ReconnectAttempts: cfg.Conn.ReconnectAttempts,
		ReconnectBase:     cfg.Conn.ReconnectBase,
		ReconnectMax:      cfg.Conn.ReconnectMax,
	})
}

func provideHistory(p Params, cfg config.Config) dispatch.History {
	if cfg.Server.RestURL == "" {
		return nil
	}
	return rest.NewClient(cfg.Server.RestURL, p.Credential)
}

func provideCoordinator(m *conn.Manager, h dispatch.History, c *cache.Cache, q *queue.Queue, b *bus.Bus, logger *zap.Logger, cfg config.Config) *dispatch.Coordinator {
	return dispatch.NewCoordinator(m, h, c, q, b, nil, logger, dispatch.Options{
		Strategy:   dispatch.Strategy(cfg.Server.Transport),
		GraceDelay: cfg.Conn.GraceDelay,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, co *dispatch.Coordinator, q *queue.Queue, m *conn.Manager, store *kv.BoltStore, lk *lock.Lock, b *bus.Bus, cfg config.Config, logger *zap.Logger) {
	sweepCtx, stopSweep := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Durable queue state is the source of truth across restarts.
			if err := q.Restore(); err != nil {
				logger.Warn("queue restore failed, starting empty", zap.Error(err))
			}

			b.StartSweeper(sweepCtx, cfg.Bus.SweepInterval, cfg.Bus.MaxListenerAge)

			co.SetIdentity(p.UserID)
			co.Start()

			if p.UserID != "" && cfg.Server.ChannelURL != "" {
				go func() {
					if err := m.Connect(context.Background(), p.UserID, p.Credential); err != nil {
						logger.Error("initial connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no identity or channel url, staying offline")
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			stopSweep()
			co.Stop()
			m.Disconnect()
			if err := q.Persist(); err != nil {
				logger.Warn("error persisting queue", zap.Error(err))
			}
			if err := store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
