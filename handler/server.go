package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the HTTP listener for the webhook.
type Server struct {
	echo    *echo.Echo
	webhook *Webhook
	logger  *slog.Logger
}

// NewServer registers the webhook routes on a fresh echo instance.
func NewServer(w *Webhook, logger *slog.Logger) (*Server, error) {
	if w == nil {
		return nil, errors.New("handler: webhook must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Error("request", append(attrs, "err", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, webhook: w, logger: logger}

	e.GET("/webhooks", w.Verify)
	e.POST("/webhooks", w.Receive)
	e.GET("/health", s.handleHealth)

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, then waits for dispatched messages to
// finish until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if waitErr := s.webhook.Wait(ctx); waitErr != nil {
		s.logger.Warn("shutdown with messages still in flight", "in_flight", s.webhook.InFlight())
		err = errors.Join(err, waitErr)
	}
	return err
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"in_flight": s.webhook.InFlight(),
	})
}
