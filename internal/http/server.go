package http

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pillars/internal/core"
	"pillars/internal/storage"
	appweb "pillars/web"
)

// Store is what the server needs from persistence. Implemented by
// storage.SQLiteRepository.
type Store interface {
	SaveConfig(ctx context.Context, cfg core.Config) error
	LoadConfig(ctx context.Context) (core.Config, bool, error)
	LoadRollover(ctx context.Context) (core.RolloverState, error)
	SaveSnapshot(ctx context.Context, period string, result core.SnapshotResult, claims core.ClaimSet) (int64, error)
	ListSnapshots(ctx context.Context) ([]storage.Snapshot, error)
	GetSnapshotAwards(ctx context.Context, snapshotID int64) ([]storage.Award, error)
}

// EventPublisher announces processed snapshots to the export pipeline.
// Nil disables publishing; the worker's periodic sweep still picks the
// awards up from the database.
type EventPublisher interface {
	PublishSnapshotProcessed(ctx context.Context, snapshotID int64, period string, users int) error
}

type Server struct {
	http.Server
	templates   *template.Template
	store       Store
	publisher   EventPublisher
	rateLimiter *rateLimiter
	metrics     securityMetrics

	// engine guards: the engine is swapped when the operator saves a new
	// configuration, carrying the persisted ledger over.
	engineMu sync.RWMutex
	engine   *core.Engine

	shutdownOnce sync.Once
}

// NewServer configures routes and templates, returning a ready-to-run
// http.Server. engine may be nil when no configuration has been saved
// yet; snapshot endpoints then answer 409 until one is.
func NewServer(addr string, engine *core.Engine, store Store, publisher EventPublisher) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		store:       store,
		publisher:   publisher,
		engine:      engine,
		rateLimiter: newRateLimiter(mutationRateLimit, mutationRateWindow),
	}

	// Parse embedded templates at startup.
	t, err := template.ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		slog.Warn("Failed parsing templates", "error", err)
	}
	s.templates = t

	// Static assets (served from embedded FS)
	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("/static/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
			static.ServeHTTP(w, r)
		}))
	} else {
		slog.Warn("Failed to mount embedded static FS", "error", err)
	}

	mux.HandleFunc("GET /{$}", s.withSecurityHeaders(s.handleIndex))
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)
	mux.HandleFunc("POST /config", s.withSecurityHeaders(s.handleSaveConfig))
	mux.HandleFunc("POST /snapshot", s.withSecurityHeaders(s.handleSnapshot))
	mux.HandleFunc("POST /snapshot/upload", s.withSecurityHeaders(s.handleSnapshotUpload))
	mux.HandleFunc("GET /snapshots", s.withSecurityHeaders(s.handleListSnapshots))
	mux.HandleFunc("GET /snapshots/{id}/awards.csv", s.withSecurityHeaders(s.handleAwardsCSV))
	mux.HandleFunc("GET /rollover", s.withSecurityHeaders(s.handleRollover))
	mux.HandleFunc("GET /rollover.csv", s.withSecurityHeaders(s.handleRolloverCSV))

	return s
}

// Engine returns the current engine, which may be nil before the first
// configuration is saved.
func (s *Server) Engine() *core.Engine {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.engine
}

func (s *Server) setEngine(engine *core.Engine) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	s.engine = engine
}

// withSecurityHeaders adds security headers, rate limiting, and request
// logging to responses.
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := extractClientIP(r)
		requestID := generateRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", r.Header.Get("User-Agent"))

		if detectSuspiciousRequest(r, &s.metrics) {
			slog.WarnContext(ctx, "Suspicious request",
				"client_ip", clientIP, "url", r.URL.String())
		}

		// Rate limit mutating requests only.
		if r.Method == http.MethodPost && !s.rateLimiter.allow(clientIP, &s.metrics) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(s.rateLimiter.window.Seconds())))
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		duration := time.Since(start)
		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"client_ip", clientIP)
	}
}

type requestIDKey struct{}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ready")
}
