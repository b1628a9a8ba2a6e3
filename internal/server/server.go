// Package server exposes identity lookups, health and audit sweeps over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/audit"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
)

const healthTimeout = 5 * time.Second

// Lookup reads the store of record.
type Lookup interface {
	FindByIdentifier(ctx context.Context, id string) (*model.Resume, error)
	FindByContact(ctx context.Context, email, phone string) (string, error)
}

// Auditor runs consistency sweeps.
type Auditor interface {
	Cleanup(ctx context.Context) (*audit.CleanupReport, error)
	Sync(ctx context.Context) (*audit.SyncReport, error)
}

// Processor ingests one stored document.
type Processor interface {
	ProcessFile(ctx context.Context, key string) model.DocResult
}

// Check is a named health probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the services behind the routes. Auditor and Processor may be nil,
// in which case their routes answer 501.
type Deps struct {
	Resumes   Lookup
	Auditor   Auditor
	Processor Processor
	Checks    []Check
}

// Server is the HTTP surface.
type Server struct {
	deps   Deps
	router chi.Router
}

// New creates a Server with its routes mounted.
func New(deps Deps) *Server {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/resumes", func(r chi.Router) {
		r.Get("/", s.handleResolve)
		r.Post("/process", s.handleProcess)
		r.Get("/{id}", s.handleGetResume)
	})
	r.Route("/audit", func(r chi.Router) {
		r.Post("/cleanup", s.handleCleanup)
		r.Post("/sync", s.handleSync)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on port until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       time.Minute,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown failed", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	stores := make(map[string]string, len(s.deps.Checks))
	for _, c := range s.deps.Checks {
		if err := c.Ping(ctx); err != nil {
			stores[c.Name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		stores[c.Name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "stores": stores})
}

func (s *Server) handleGetResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.deps.Resumes.FindByIdentifier(r.Context(), id)
	if err != nil {
		zap.L().Error("lookup failed", zap.String("resume_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "resume not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	email, phone := r.URL.Query().Get("email"), r.URL.Query().Get("phone")
	if email == "" && phone == "" {
		writeError(w, http.StatusBadRequest, "email or phone is required")
		return
	}
	id, err := s.deps.Resumes.FindByContact(r.Context(), email, phone)
	if err != nil {
		zap.L().Error("identity resolution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resume_id": id, "found": id != ""})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Processor == nil {
		writeError(w, http.StatusNotImplemented, "processing is not configured")
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	res := s.deps.Processor.ProcessFile(r.Context(), req.Key)
	code := http.StatusOK
	if res.State == model.DocStateFailed {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auditor == nil {
		writeError(w, http.StatusNotImplemented, "audit is not configured")
		return
	}
	rep, err := s.deps.Auditor.Cleanup(r.Context())
	if err != nil {
		zap.L().Error("cleanup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auditor == nil {
		writeError(w, http.StatusNotImplemented, "audit is not configured")
		return
	}
	rep, err := s.deps.Auditor.Sync(r.Context())
	if err != nil {
		zap.L().Error("sync failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
