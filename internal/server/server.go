// Package server exposes copy job records and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"snapcopy/internal/store"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	echo  *echo.Echo
	store store.Store
	port  int
}

// New builds a server over st. /metrics reports job counts by status.
func New(st store.Store, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	registry := prometheus.NewRegistry()
	registry.MustRegister(newJobsCollector(st))

	s := &Server{
		echo:  e,
		store: st,
		port:  port,
	}
	s.registerRoutes(registry)
	return s
}

func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	g := s.echo.Group("/jobs")
	g.GET("", s.handleListJobs)
	g.GET("/:service/:name", s.handleGetJob)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() {
	go func() {
		addr := ":" + strconv.Itoa(s.port)
		logger.Log.Info("audit server started", zap.String("addr", addr))

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("audit server error", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(c echo.Context) error {
	status := model.CopyStatus(c.QueryParam("status"))
	switch status {
	case "", model.CopyPending, model.CopySuccess, model.CopyFailed, model.CopyAborted, model.CopyTimedOut:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown status"})
	}

	jobs, err := s.store.Scan(c.Request().Context(), status)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if jobs == nil {
		jobs = []*model.CopyJob{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.store.Get(c.Request().Context(), c.Param("service"), c.Param("name"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, job)
}
