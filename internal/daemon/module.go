package daemon

import (
	"context"
	"fmt"

	"github.com/ttbazaar/chatd/internal/bus"
	"github.com/ttbazaar/chatd/internal/config"
	"github.com/ttbazaar/chatd/internal/conn"
	"github.com/ttbazaar/chatd/internal/convo"
	"github.com/ttbazaar/chatd/internal/dispatch"
	"github.com/ttbazaar/chatd/internal/lock"
	"github.com/ttbazaar/chatd/internal/logging"
	"github.com/ttbazaar/chatd/internal/readtrack"
	"github.com/ttbazaar/chatd/internal/rest"
	"github.com/ttbazaar/chatd/internal/status"
	"github.com/ttbazaar/chatd/internal/subs"
	"github.com/ttbazaar/chatd/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideDialer,
			provideManager,
			provideRegistry,
			provideDispatcher,
			provideBackend,
			provideStore,
			provideTracker,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	profile := fmt.Sprintf("%s-%d", cfg.Identity.Role, cfg.Identity.UserID)
	return logging.New(cfg.LogPath(), profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("state_dir", cfg.StateDir))
	l, err := lock.Acquire(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideDialer(cfg *config.Config, logger *zap.Logger) transport.Dialer {
	return &transport.WSDialer{URL: cfg.BrokerURL, Logger: logger}
}

func provideManager(cfg *config.Config, dialer transport.Dialer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(dialer, machine, b, conn.Config{
		BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
		MaxDelay:    cfg.Reconnect.MaxDelay.Std(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}, logger)
}

func provideRegistry(m *conn.Manager, b *bus.Bus, logger *zap.Logger) *subs.Registry {
	return subs.NewRegistry(m, b, logger)
}

func provideDispatcher(cfg *config.Config, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(m, b, dispatch.Config{
		DedupWindow: cfg.DedupWindow.Std(),
		MaxAttempts: cfg.SendRetryLimit,
	}, logger)
}

func provideBackend(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.BackendURL, logger)
}

func provideStore(cfg *config.Config, backend *rest.Client, d *dispatch.Dispatcher, r *subs.Registry, b *bus.Bus, logger *zap.Logger) *convo.Store {
	return convo.NewStore(cfg.ModelIdentity(), backend, d, r, b, logger)
}

func provideTracker(cfg *config.Config, s *convo.Store, d *dispatch.Dispatcher, b *bus.Bus, logger *zap.Logger) *readtrack.Tracker {
	return readtrack.NewTracker(cfg.ModelIdentity(), s, d, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, m *conn.Manager, r *subs.Registry, d *dispatch.Dispatcher, s *convo.Store, t *readtrack.Tracker, lk *lock.Lock, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Event loops first so no startup event is missed.
			r.Start(context.Background())
			d.Start(context.Background())
			s.Start(context.Background())
			t.Start(context.Background())

			if err := m.Open(); err != nil {
				return err
			}

			// Room listing warms up in the background; the broker
			// connection does not depend on it.
			go func() {
				if err := s.LoadRooms(context.Background()); err != nil {
					logger.Warn("initial room listing failed", zap.Error(err))
				}
			}()

			logger.Info("daemon started",
				zap.Int64("user", cfg.Identity.UserID), zap.String("role", cfg.Identity.Role))
			return nil
		},
		OnStop: func(_ context.Context) error {
			m.Close()
			t.Stop()
			s.Stop()
			d.Stop()
			r.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
