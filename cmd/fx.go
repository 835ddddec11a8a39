package cmd

import (
	"log/slog"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/careline/session-relay/config"
	"github.com/careline/session-relay/internal/adapter/presence"
	"github.com/careline/session-relay/internal/adapter/pubsub"
	"github.com/careline/session-relay/internal/bridge"
	"github.com/careline/session-relay/internal/client/collab"
	"github.com/careline/session-relay/internal/domain/registry"
	"github.com/careline/session-relay/internal/handler/httpapi"
	"github.com/careline/session-relay/internal/handler/ws"
	"github.com/careline/session-relay/internal/metrics"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),
		metrics.Module,
		presence.Module,
		pubsub.Module,
		registry.Module,
		collab.Module,
		bridge.Module,
		ws.Module,
		httpapi.Module,
	)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With(slog.String("service", ServiceName))
	slog.SetDefault(logger)
	return logger
}
