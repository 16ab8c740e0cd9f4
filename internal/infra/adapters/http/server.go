// Package http assembles the service's HTTP surface: the versioned API
// routes plus the health endpoints, behind shared middleware.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	handler "github.com/ferretworks/burrow/internal/infra/adapters/http/handler"
)

const readinessTimeout = 2 * time.Second

// Config carries everything the router needs.
type Config struct {
	Build      string
	PodHandler *handler.PodHandler
	// DB is pinged by the readiness endpoint.
	DB *pgxpool.Pool
}

// NewRouter builds the service's HTTP handler with all routes bound.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(cfg.Build))
	r.Get("/readyz", handleReadyz(cfg.DB))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pods", cfg.PodHandler.CreatePod)
		r.Get("/pods/{podID}", cfg.PodHandler.GetPod)
		r.Delete("/pods/{podID}", cfg.PodHandler.DestroyPod)
		r.Post("/pods/{podID}/scale", cfg.PodHandler.ScalePod)
		r.Post("/pods/{podID}/backup", cfg.PodHandler.BackupPod)
		r.Post("/pods/{podID}/health-check", cfg.PodHandler.HealthCheckPod)

		r.Get("/tenants/{tenantID}/pods", cfg.PodHandler.ListTenantPods)
		r.Get("/tenants/{tenantID}/quota", cfg.PodHandler.GetQuota)

		r.Get("/jobs/{jobID}", cfg.PodHandler.GetJob)
		r.Post("/jobs/{jobID}/cancel", cfg.PodHandler.CancelJob)
	})

	return otelhttp.NewHandler(r, "burrow-api",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}

func handleHealthz(build string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","build":"` + build + `"}`))
	}
}

func handleReadyz(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"database unreachable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}
