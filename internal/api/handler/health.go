package handler

import (
	"net/http"

	"github.com/kiranshivaraju/conveyor/internal/api/response"
	"github.com/kiranshivaraju/conveyor/internal/cache"
	"github.com/kiranshivaraju/conveyor/internal/store"
)

// NewHealthHandler checks store and, when configured, Redis connectivity.
// c may be nil.
func NewHealthHandler(s store.Store, c cache.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"store": "ok"}
		if err := s.Ping(r.Context()); err != nil {
			checks["store"] = "degraded"
		}
		if c != nil {
			checks["redis"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["redis"] = "degraded"
			}
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
