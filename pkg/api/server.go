package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
)

// RouteRegistrar mounts a handler group on the router.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Server represents our API server
type Server struct {
	router *mux.Router
}

// NewServer creates the API router with request ids, logging and panic
// recovery in front of every route.
func NewServer(logger *observability.Logger, metrics *observability.Metrics, groups ...RouteRegistrar) *Server {
	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger, metrics),
		httputil.RecoveryMiddleware,
	)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, apperrors.ErrNotFound)
	})

	for _, g := range groups {
		g.RegisterRoutes(router)
	}
	return &Server{router: router}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
