package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/platform/cdshooks"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/events"
	"github.com/ehr/cdshooks/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its admin API and websocket feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start cds hooks engine")
		return err
	}
	defer eng.Close()

	hub := events.NewHub(logger)
	publishers := events.Multi{hub}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, "cdshooks-client", logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to nats")
			return err
		}
		defer func(nc *nats.Conn) {
			if err := nc.Drain(); err != nil {
				logger.Warn().Err(err).Msg("nats drain failed")
			}
		}(nc)
		publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATSSubjectPrefix, logger))
	}
	triggers := cdshooks.NewTriggers(eng.registry, publishers, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(eng.metrics.Middleware())

	e.GET("/health", healthHandler(eng))
	e.GET("/metrics", eng.metrics.Handler())
	cdshooks.NewHandler(eng.registry, triggers).RegisterRoutes(e.Group("/cds-hooks"))
	events.NewWebSocketHandler(hub).RegisterRoutes(e.Group(""))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := eng.pool.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("background tasks still running at shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// healthHandler reports every endpoint's state and, when configured, the
// database pool. A failed database ping answers 503.
func healthHandler(eng *engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		clients := eng.registry.Clients()
		statuses := make([]cdshooks.Status, 0, len(clients))
		for _, cl := range clients {
			statuses = append(statuses, cl.Status())
		}

		body := map[string]interface{}{
			"status":    "healthy",
			"endpoints": statuses,
		}
		code := http.StatusOK
		if eng.dbPool != nil {
			stats := db.Check(c.Request().Context(), eng.dbPool)
			eng.metrics.SetDBPool(stats.AcquiredConns, stats.IdleConns)
			body["database"] = stats
			if !stats.Healthy {
				body["status"] = "unhealthy"
				code = http.StatusServiceUnavailable
			}
		}
		return c.JSON(code, body)
	}
}
