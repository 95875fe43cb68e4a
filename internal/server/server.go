// Package server wires the router, middleware and handlers together and
// owns the process lifecycle: listen, drain, tear down backends, close the
// database.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/binhtrongg/python-sandbox/internal/config"
	"github.com/binhtrongg/python-sandbox/internal/executor"
	"github.com/binhtrongg/python-sandbox/internal/handler"
	"github.com/binhtrongg/python-sandbox/internal/metrics"
	"github.com/binhtrongg/python-sandbox/internal/middleware"
	sqliteRepo "github.com/binhtrongg/python-sandbox/internal/repository/sqlite"
	"github.com/binhtrongg/python-sandbox/internal/service"
	"github.com/binhtrongg/python-sandbox/internal/storage"
	"github.com/binhtrongg/python-sandbox/internal/validator"
)

type Server struct {
	router  *chi.Mux
	cfg     *config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	factory *executor.Factory
}

// New assembles the dependency chain: database, service, handlers, routes.
// fileProvider is nil when storage is disabled or non-local; the /files
// route is only mounted when there is something to serve.
func New(
	cfg *config.Config,
	factory *executor.Factory,
	store *storage.Manager,
	fileProvider *storage.LocalProvider,
	logger *slog.Logger,
) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		logger:  logger,
		db:      db,
		factory: factory,
	}
	s.setupRoutes(store, fileProvider)
	return s, nil
}

func (s *Server) setupRoutes(store *storage.Manager, fileProvider *storage.LocalProvider) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.CORS)

	m := metrics.New()

	v := validator.New(
		s.cfg.Validator.ForbiddenImports,
		s.cfg.Validator.MaxCodeLength,
		s.cfg.Validator.MaxComplexity,
	)

	svc := service.NewExecutionService(v, s.factory, s.db, store, m, s.cfg, s.logger)

	executeHandler := handler.NewExecuteHandler(svc, s.logger)
	healthHandler := handler.NewHealthHandler(svc, s.logger)
	executionsHandler := handler.NewExecutionsHandler(svc, s.logger)

	s.router.Post("/execute", executeHandler.HandleExecute)
	s.router.Get("/health", healthHandler.HandleHealth)
	s.router.Handle("/metrics", m.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/executions", executionsHandler.HandleList)
		r.Get("/executions/{id}", executionsHandler.HandleGetByID)
	})

	if fileProvider != nil {
		filesHandler := handler.NewFilesHandler(fileProvider, s.logger)
		s.router.Get("/files/{execution}/{filename}", filesHandler.HandleGet)
	}
}

// Router exposes the configured mux, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens until SIGINT/SIGTERM, then drains in-flight requests,
// tears down every cached backend, and closes the database.
func (s *Server) Start() error {
	defer s.db.Close()
	defer s.factory.CleanupAll()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("database", s.cfg.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
