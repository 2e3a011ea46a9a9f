package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/conveyor/internal/api/middleware"
	"github.com/kiranshivaraju/conveyor/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	// Auth guards the callback route. Nil disables callbacks.
	Auth *mw.Auth

	HealthHandler   http.HandlerFunc
	MetricsHandler  http.Handler
	CallbackHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	if deps.Auth == nil {
		r.Post("/api/v1/callbacks/jobs/{jobID}", orNotImplemented(nil))
		return r
	}
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Post("/api/v1/callbacks/jobs/{jobID}", orNotImplemented(deps.CallbackHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not enabled", nil)
	}
}
