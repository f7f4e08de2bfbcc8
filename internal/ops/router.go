// Package ops exposes the operational HTTP surface of the integration
// daemon: liveness, per-service health, endpoint circuit state, and
// error metrics.
package ops

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/faults"
	"github.com/medbridge/medbridge/internal/resilience"
	"github.com/medbridge/medbridge/internal/resource"
	"github.com/medbridge/medbridge/internal/transform"
)

// RouterConfig holds the dependencies for the ops router.
type RouterConfig struct {
	Version  string
	Logger   zerolog.Logger
	Manager  *resource.Manager
	Engine   *transform.Engine
	Errors   *faults.Service
	Registry *resilience.Registry
}

// NewRouter creates the ops HTTP router with the full middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(cfg.Logger))
	r.Use(Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(httprate.Limit(
		100,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
	))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]interface{}{
			"status":  "UP",
			"version": cfg.Version,
		})
	})

	r.Get("/health/resources", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, cfg.Manager.GetHealthStatus())
	})

	r.Get("/health/transform", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, cfg.Engine.GetHealthStatus())
	})

	r.Get("/health/errors", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, cfg.Errors.GetHealthStatus())
	})

	r.Get("/health/endpoints", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Registry == nil {
			JSON(w, http.StatusOK, []*resilience.EndpointHealth{})
			return
		}
		JSON(w, http.StatusOK, cfg.Registry.GetAllHealth())
	})

	r.Get("/metrics/errors", func(w http.ResponseWriter, r *http.Request) {
		timeframe := time.Duration(0)
		if raw := r.URL.Query().Get("timeframe"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				Error(w, r, http.StatusBadRequest, "invalid timeframe duration")
				return
			}
			timeframe = parsed
		}
		JSON(w, http.StatusOK, cfg.Errors.GetErrorMetrics(timeframe))
	})

	return r
}
