package bridge

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/careline/session-relay/config"
	"github.com/careline/session-relay/internal/client/collab"
	"github.com/careline/session-relay/internal/metrics"
)

var Module = fx.Module("bridge",
	fx.Provide(
		func(cfg *config.Config, client *collab.Client, m *metrics.Metrics, logger *slog.Logger) *Manager {
			return NewManager(cfg.RelayURL, cfg.RelayOrigin, cfg.SharedSecret, client, m, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return m.Shutdown(ctx)
			},
		})
	}),
)
