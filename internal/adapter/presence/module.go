package presence

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/careline/session-relay/config"
)

var Module = fx.Module("presence",
	fx.Provide(
		newClient,
		func(client redis.UniversalClient, cfg *config.Config, logger *slog.Logger) *Store {
			return NewStore(client, cfg.PresenceTTL, logger)
		},
		fx.Annotate(
			func(s *Store) Registrar { return s },
			fx.As(new(Registrar)),
		),
	),
)

// newClient dials the presence store. An unreachable Redis at boot is logged
// but does not abort startup: the relay keeps serving sockets and reports
// presence errors per operation.
func newClient(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.PresenceStoreURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("presence store unreachable at startup",
					slog.String("url", cfg.PresenceStoreURL),
					slog.Any("error", err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}
