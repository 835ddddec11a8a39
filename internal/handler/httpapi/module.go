package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/careline/session-relay/config"
	"github.com/careline/session-relay/internal/handler/ws"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandlers,
		NewRouter,
	),
	fx.Invoke(runServer),
)

// NewRouter wires the control plane and the WebSocket endpoint onto one mux
// behind the shared-secret gate.
func NewRouter(h *Handlers, delivery *ws.Delivery, registry *prometheus.Registry, cfg *config.Config) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(apiKeyGate(cfg.SharedSecret))

	router.Post("/thread/connect", h.Connect)
	router.Post("/thread/summarize", h.Summarize)
	router.Post("/thread/history", h.History)
	router.Post("/chat/sms", h.ChatSMS)
	router.Get("/health", h.Health)
	router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Clients dial with and without the trailing slash.
	router.Get("/ws/session/{sessionID}/", delivery.ServeSession)
	router.Get("/ws/session/{sessionID}", delivery.ServeSession)

	return router
}

func runServer(lc fx.Lifecycle, router chi.Router, cfg *config.Config, logger *slog.Logger) {
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
