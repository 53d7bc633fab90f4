package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/config"
	"sandbox-engine/internal/monitor"
)

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. db may be nil when no audit database is configured.
func NewServer(cfg *config.Config, engine Engine, db AuditStore, metrics *monitor.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(engine, db, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes(engine Engine, db AuditStore, metrics *monitor.Metrics) http.Handler {
	cfg := s.cfg
	handlers := NewHandlers(engine, db)
	s.handlers = handlers

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/sandboxes", handlers.HandleCreateSandbox)
	apiMux.HandleFunc("POST /v1/sandboxes/{id}/execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /v1/sandboxes/{id}/packages", handlers.HandleInstallPackage)
	apiMux.HandleFunc("POST /v1/containers", handlers.HandleCreateContainer)
	apiMux.HandleFunc("POST /v1/containers/{id}/run", handlers.HandleRun)
	apiMux.HandleFunc("POST /v1/containers/{id}/services", handlers.HandleStartService)
	apiMux.HandleFunc("POST /v1/containers/{id}/stop", handlers.HandleStopContainer)
	apiMux.HandleFunc("GET /v1/instances", handlers.HandleListInstances)
	apiMux.HandleFunc("GET /v1/instances/{id}", handlers.HandleGetInstance)
	apiMux.HandleFunc("DELETE /v1/instances/{id}", handlers.HandleDestroyInstance)
	apiMux.HandleFunc("GET /v1/instances/{id}/metrics", handlers.HandleResourceMetrics)
	apiMux.HandleFunc("GET /v1/usage", handlers.HandleUsage)
	apiMux.HandleFunc("GET /v1/usage/stream", handlers.HandleUsageStream)
	apiMux.HandleFunc("GET /v1/trigger", handlers.HandleTrigger)
	apiMux.HandleFunc("GET /v1/executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /v1/executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(engine, db))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = ConcurrencyMiddleware(cfg.Security.MaxConcurrentExecutions)(handler)
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(engine Engine, db AuditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:     "ok",
			Database:   dbOK,
			Containers: s.cfg.Container.Enabled,
			Instances:  len(engine.ListAll()),
			Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
