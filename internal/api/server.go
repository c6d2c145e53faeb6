// Package api exposes sessions, browser actions and contexts over HTTP
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/artifact"
	"github.com/shehryarbajwa/sandbox-browser/internal/ctxmgr"
	"github.com/shehryarbajwa/sandbox-browser/internal/metrics"
	"github.com/shehryarbajwa/sandbox-browser/internal/proxy"
	"github.com/shehryarbajwa/sandbox-browser/internal/ratelimit"
	"github.com/shehryarbajwa/sandbox-browser/internal/runtime"
	"github.com/shehryarbajwa/sandbox-browser/internal/session"
)

// Deps are the services behind the routes. Limiter and Metrics are
// optional.
type Deps struct {
	Sessions  *session.Manager
	Browser   runtime.Manager
	Contexts  *ctxmgr.Manager
	Proxy     *proxy.Server
	Limiter   *ratelimit.Limiter
	Artifacts *artifact.FileStore
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewRouter configures all HTTP routes
func NewRouter(deps Deps) *mux.Router {
	logger := deps.Logger.Named("api")
	h := NewHandler(deps.Sessions, deps.Browser, deps.Proxy, logger)
	contexts := NewContextHandler(deps.Contexts)
	artifacts := NewArtifactHandler(deps.Artifacts, logger)

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(requestLogger(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
		r.Handle("/metrics", deps.Metrics.Handler()).Methods("GET")
	}

	// Preflight requests must match a route for the middleware to run
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	api := r.PathPrefix("/v1").Subrouter()

	// Session lifecycle is rate limited per project
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	if deps.Limiter != nil {
		rateLimitedAPI.Use(RateLimitMiddleware(deps.Limiter))
	}
	rateLimitedAPI.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")

	// Browser actions
	api.HandleFunc("/sessions/{id}/attach", h.Attach).Methods("POST")
	api.HandleFunc("/sessions/{id}/navigate", h.Navigate).Methods("POST")
	api.HandleFunc("/sessions/{id}/click", h.Click).Methods("POST")
	api.HandleFunc("/sessions/{id}/click-at", h.ClickAt).Methods("POST")
	api.HandleFunc("/sessions/{id}/scroll", h.Scroll).Methods("POST")
	api.HandleFunc("/sessions/{id}/type", h.Type).Methods("POST")
	api.HandleFunc("/sessions/{id}/extract", h.ExtractContent).Methods("POST")
	api.HandleFunc("/sessions/{id}/screenshot", h.Screenshot).Methods("POST")
	api.HandleFunc("/sessions/{id}/download", h.Download).Methods("POST")
	api.HandleFunc("/sessions/{id}/state/save", h.SaveState).Methods("POST")
	api.HandleFunc("/sessions/{id}/state/restore", h.RestoreState).Methods("POST")

	// Debug endpoints
	api.HandleFunc("/sessions/{id}/debug", h.GetDebugURL).Methods("GET")
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		deps.Proxy.HandleDebugConnection(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	// Contexts
	api.HandleFunc("/contexts", contexts.CreateContext).Methods("POST")
	api.HandleFunc("/contexts/{id}", contexts.GetContext).Methods("GET")
	api.HandleFunc("/contexts/{id}", contexts.DeleteContext).Methods("DELETE")

	// Offloaded payloads
	r.PathPrefix("/artifacts/").Handler(artifacts).Methods("GET", "HEAD")

	return r
}
