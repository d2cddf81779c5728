// Package server exposes the turn manager over HTTP with server-sent events.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/turns"
)

type Server struct {
	echo     *echo.Echo
	turns    *turns.Manager
	address  string
	gatherer prometheus.Gatherer
}

type Option func(*Server)

func WithAddress(addr string) Option {
	return func(s *Server) { s.address = addr }
}

// WithGatherer serves the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func New(manager *turns.Manager, options ...Option) (*Server, error) {
	if manager == nil {
		return nil, errors.New("server: turn manager is nil")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debug().
				Str("method", c.Request().Method).
				Str("uri", c.Request().RequestURI).
				Int("status", c.Response().Status).
				Dur("duration", time.Since(start)).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Msg("http request")
			return err
		}
	})

	s := &Server{
		echo:    e,
		turns:   manager,
		address: ":8080",
	}
	for _, o := range options {
		o(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.echo.Group("/api")
	api.POST("/turns", s.handleStartTurn)
	api.GET("/turns/:turn_id", s.handleGetTurn)
	api.GET("/turns/:turn_id/events", s.handleAttach)
	api.POST("/turns/:turn_id/interaction", s.handleInteraction)
	api.DELETE("/turns/:turn_id", s.handleCloseTurn)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Msg("starting http server")
	err := s.echo.Start(s.address)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down http server")
	return s.echo.Shutdown(ctx)
}
