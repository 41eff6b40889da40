package routes

// routes/routes.go
// HTTP routing setup for the veilbox API endpoints.

import (
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/justinas/alice"
	"go.uber.org/atomic"

	"github.com/collapsinghierarchy/veilbox/auth"
	"github.com/collapsinghierarchy/veilbox/handler"
	"github.com/collapsinghierarchy/veilbox/service"
	"github.com/collapsinghierarchy/veilbox/store"
)

type Options struct {
	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty disables CORS headers.
	CORSOrigins  []string
	SharedSecret []byte
	Log          *slog.Logger
}

// Server owns the root handler and the readiness flag reported by /readyz.
type Server struct {
	handler http.Handler
	ready   *atomic.Bool
	log     *slog.Logger
}

// New wires all HTTP endpoints. The server starts out not ready.
func New(svc *service.Service, ids store.Identity, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{ready: atomic.NewBool(false), log: log.With("component", "http")}

	mux := chi.NewRouter()

	// veilbox API endpoints
	mux.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(opts.SharedSecret, ids, log))
		handler.New(svc, log).RegisterRoutes(r)
	})

	// Health checks
	mux.Get("/livez", s.livez)
	mux.Get("/readyz", s.readyz)

	// Middleware chain (request ids, panics, access log, CORS)
	chain := alice.New(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.accessLog)
	if len(opts.CORSOrigins) > 0 {
		chain = chain.Append(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", auth.HeaderUserID, auth.HeaderUserEmail, auth.HeaderUserAdmin, auth.HeaderSignature},
			MaxAge:         300,
		}))
	}
	s.handler = chain.Then(mux)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// SetReady flips /readyz. Cleared before shutdown so load balancers drain.
func (s *Server) SetReady(ready bool) {
	if s.ready.Swap(ready) != ready {
		s.log.Info("readiness changed", "ready", ready)
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

func (s *Server) livez(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
