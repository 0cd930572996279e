package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/termbridge/api/handlers"
	"github.com/remote-agent-terminal/termbridge/internal/config"
	"github.com/remote-agent-terminal/termbridge/internal/db"
	"github.com/remote-agent-terminal/termbridge/internal/logging"
	"github.com/remote-agent-terminal/termbridge/internal/metrics"
	"github.com/remote-agent-terminal/termbridge/internal/repository"
	"github.com/remote-agent-terminal/termbridge/internal/runner"
	"github.com/remote-agent-terminal/termbridge/internal/session"
	"github.com/remote-agent-terminal/termbridge/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// deps are the collaborators the router is built from.
type deps struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	terminal *ws.Handler
	sessions handlers.SessionStore
	runner   handlers.CommandRunner
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	d := deps{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		runner:   runner.New(cfg.Scripts.Timeout, logger.Named("runner")),
	}

	wsOpts := []ws.HandlerOption{
		ws.WithLogger(logger.Named("session")),
		ws.WithMetrics(m),
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}

	if cfg.Storage.DBPath != "" {
		database, err := openAuditDB(ctx, cfg.Storage.DBPath, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		repo := repository.NewSessionRepository(database)
		d.sessions = repo
		wsOpts = append(wsOpts, ws.WithListener(ws.NewAuditListener(repo, logger.Named("audit"))))
	} else {
		logger.Info("session audit disabled")
	}

	sessionCfg := session.NewConfig(cfg.Terminal, cfg.Storage.RecordDir, os.Environ())
	d.terminal = ws.NewHandler(sessionCfg, wsOpts...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           newRouter(d),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("terminal_path", cfg.Server.WSPath),
			zap.String("shell", sessionCfg.Shell),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Sessions observe ctx through their request contexts and close with a
	// going-away frame; Shutdown does not track hijacked connections.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := d.terminal.Wait(shutdownCtx); err != nil {
		logger.Warn("sessions still open at shutdown", zap.Error(err))
	}
	return nil
}

func openAuditDB(ctx context.Context, path string, logger *zap.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}

	// Rows left running belong to a previous process whose shells are gone.
	n, err := repository.NewSessionRepository(database).CloseStale(ctx)
	if err != nil {
		database.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info("closed stale session records", zap.Int64("count", n))
	}
	return database, nil
}

func newRouter(d deps) *gin.Engine {
	if !d.cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(d.logger.Named("http")))
	r.Use(metrics.Middleware(d.metrics))
	r.Use(corsMiddleware(d.cfg.Server.AllowedOrigins))

	r.GET("/health", handlers.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	handlers.NewTerminalHandler(d.terminal).RegisterRoutes(r, d.cfg.Server.WSPath)

	handlers.NewUploadHandler(
		d.cfg.Upload.Dir,
		d.cfg.Upload.FileName,
		d.cfg.Upload.MaxBytes,
		d.logger.Named("upload"),
	).RegisterRoutes(r)

	handlers.NewScriptHandler(d.runner,
		runner.Command{Name: d.cfg.Scripts.DiscoveryScript},
		runner.Command{Name: d.cfg.Scripts.UploadCommand, Args: d.cfg.Scripts.UploadArgs},
	).RegisterRoutes(r)

	api := r.Group("/api")
	{
		handlers.NewSessionHandler(d.sessions).RegisterRoutes(api)
	}

	static := http.FileServer(http.Dir(d.cfg.Server.StaticDir))
	r.NoRoute(gin.WrapH(static))

	return r
}

// corsMiddleware allows cross-origin API calls from the configured origins.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Accept", "Origin", "Cache-Control", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = origins
	return cors.New(cfg)
}
