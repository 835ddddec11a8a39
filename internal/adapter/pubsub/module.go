package pubsub

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/careline/session-relay/config"
	"github.com/careline/session-relay/internal/domain/registry"
)

var Module = fx.Module("pubsub",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (*transport, error) {
			return newTransport(cfg.BusURL, logger)
		},
		func(t *transport, logger *slog.Logger) Bus {
			return NewBus(t.publisher, t.subscriber, logger)
		},
		func(b Bus) registry.Feeder { return b },
	),
	fx.Invoke(func(lc fx.Lifecycle, t *transport) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return t.Close()
			},
		})
	}),
)
