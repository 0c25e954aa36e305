// Package web provides the HTTP API of the import service: intake, status,
// cancellation, error reports and the SSE and WebSocket push channels.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/stockimport/internal/config"
	"github.com/JonMunkholm/stockimport/internal/core"
	mw "github.com/JonMunkholm/stockimport/internal/web/middleware"
)

// Server is the HTTP server for the import API.
type Server struct {
	service *core.Service
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server

	limiter       *mw.RateLimiter
	uploadLimiter *mw.RateLimiter
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, cfg *config.Config) (*Server, error) {
	keys, err := cfg.Security.TenantKeys()
	if err != nil {
		return nil, err
	}

	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	if cfg.Rate.Enabled {
		s.limiter = mw.NewRateLimiter(cfg.Rate.RequestsPerMinute)
		s.uploadLimiter = mw.NewRateLimiter(cfg.Rate.UploadLimit)
	}
	s.setupMiddleware()
	s.setupRoutes(mw.TenantConfig{
		RequireAPIKey: cfg.Security.RequireAPIKey,
		Keys:          keys,
		DefaultTenant: cfg.Security.DefaultTenant,
	})
	return s, nil
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)

	// Security hardening
	s.router.Use(securityHeaders)

	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware(s.respondError))
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(tenants mw.TenantConfig) {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/imports", func(r chi.Router) {
		r.Use(mw.TenantAuth(tenants, s.respondError))

		// Push channels stay open for the lifetime of a job.
		r.Get("/ws", s.handleWebSocket)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout()))

			r.Get("/classify", s.handleClassify)
			r.Get("/jobs/{jobID}", s.handleJobStatus)
			r.Delete("/jobs/{jobID}", s.handleCancelJob)
			r.Get("/jobs/{jobID}/errors", s.handleErrorReport)

			upload := r.With()
			if s.uploadLimiter != nil {
				upload = r.With(s.uploadLimiter.Middleware(s.respondError))
			}
			upload.Post("/{importType}", s.handleUpload)
		})
	})
}

// requestTimeout bounds non-streaming requests. Uploads may wait inline
// for their job, so the bound grows with the inline wait.
func (s *Server) requestTimeout() time.Duration {
	return 60*time.Second + s.cfg.Upload.InlineWait
}

// RunMaintenance evicts idle rate limiter clients until ctx ends.
func (s *Server) RunMaintenance(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	go s.uploadLimiter.Cleanup(ctx)
	s.limiter.Cleanup(ctx)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout, // 0 keeps SSE and WebSocket streams open
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// The HTML error report is the only page served; it needs inline styles
		w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}
