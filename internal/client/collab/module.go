package collab

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/careline/session-relay/config"
)

var Module = fx.Module("collab",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Client {
			return NewClient(cfg.CollaboratorURL, cfg.SharedSecret, logger)
		},
	),
)
