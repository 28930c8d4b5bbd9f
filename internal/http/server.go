package http

import (
	"context"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"cheersplit/internal/cache"
	"cheersplit/internal/core"
	"cheersplit/internal/log"
	"cheersplit/internal/services"
	"cheersplit/internal/settle"
	appweb "cheersplit/web"
)

// Settler is the part of *services.SettlementService the handlers use.
type Settler interface {
	Mode() settle.Mode
	Currency() string
	SettleWithMode(ctx context.Context, g core.Group, mode settle.Mode) (*services.Settlement, error)
	Stats() services.Stats
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

type ServerConfig struct {
	Addr               string
	RateLimitPerMinute int
	CORSOrigins        []string
	// CacheStats feeds /metrics; nil when the service runs without a cache.
	CacheStats func() cache.Stats
	Checks     map[string]ReadinessCheck
}

type Server struct {
	http.Server
	templates   *template.Template
	settler     Settler
	config      ServerConfig
	logger      *log.Logger
	rateLimiter *rateLimiter
	security    *securityMetrics

	startedAt    time.Time
	requests     atomic.Int64
	shutdownOnce sync.Once
}

// NewServer wires routes, middleware and templates, returning a ready-to-run server.
func NewServer(cfg ServerConfig, settler Settler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	s := &Server{
		settler:     settler,
		config:      cfg,
		logger:      logger.WithComponent(log.ComponentHTTP),
		rateLimiter: newRateLimiter(cfg.RateLimitPerMinute),
		security:    &securityMetrics{},
		startedAt:   time.Now(),
	}

	t, err := template.ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		s.logger.Warn("Failed parsing templates",
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeConfiguration)
	}
	s.templates = t

	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(log.Middleware(s.logger))
	r.Use(log.RequestIDMiddleware(func(r *http.Request) string {
		return middleware.GetReqID(r.Context())
	}))
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		r.Handle("/static/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "public, max-age=3600")
			static.ServeHTTP(w, r)
		}))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", log.FieldError, err)
	}

	r.Route("/ui", func(r chi.Router) {
		r.Post("/participants", s.handleNewParticipant)
		r.Post("/participants/{id}/items", s.handleNewItem)
	})
	r.Post("/settle", s.handleSettleForm)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.cors().Handler)
		r.Post("/settlements", s.handleAPISettle)
	})

	return r
}

func (s *Server) cors() *cors.Cors {
	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

// observe applies security headers, suspicious request detection, POST rate
// limiting and request logging.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		clientIP := extractClientIP(r)
		logger := log.FromContext(ctx)
		events := log.NewStructuredLogger(logger)
		s.requests.Add(1)

		events.LogHTTPStart(ctx, r, clientIP)

		if detectSuspiciousRequest(r, s.security) {
			logger.WithComponent(log.ComponentSecurity).WarnContext(ctx, "Suspicious request detected",
				log.FieldClientIP, clientIP,
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path,
				log.FieldUserAgent, r.Header.Get("User-Agent"))
		}

		setSecurityHeaders(w.Header())
		if id := middleware.GetReqID(ctx); id != "" {
			w.Header().Set("X-Request-Id", id)
		}

		if r.Method == http.MethodPost && !s.rateLimiter.allow(clientIP, s.security) {
			logger.WithComponent(log.ComponentRateLimit).WarnContext(ctx, "Rate limit exceeded",
				log.FieldClientIP, clientIP,
				log.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			if strings.HasPrefix(r.URL.Path, "/api/") {
				writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", "rate_limited")
			} else {
				ErrorResponse(http.StatusTooManyRequests, "Too many requests. Please try again in a minute.").Write(w)
			}
			events.LogHTTPEnd(ctx, r, http.StatusTooManyRequests, time.Since(start).Milliseconds(), clientIP)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		events.LogHTTPEnd(ctx, r, status, time.Since(start).Milliseconds(), clientIP)
	})
}

// Shutdown stops background cleanup and gracefully shuts the server down.
// Only the first call has any effect.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
