package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-wms/internal/auth"
	"github.com/odyssey-erp/odyssey-wms/internal/erp"
	"github.com/odyssey-erp/odyssey-wms/internal/observability"
	"github.com/odyssey-erp/odyssey-wms/internal/rbac"
	"github.com/odyssey-erp/odyssey-wms/internal/transfers"
	"github.com/odyssey-erp/odyssey-wms/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	AuthService      *auth.Service
	AuthHandler      *auth.Handler
	TransfersHandler *transfers.Handler
	ERPHandler       *erp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	rbacMiddleware := rbac.Middleware{Logger: params.Logger}
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Authenticate(params.AuthService, params.Logger))
		r.Route("/transfers", params.TransfersHandler.MountRoutes)
		r.Route("/qc", params.TransfersHandler.MountQCRoutes)
		if params.ERPHandler != nil {
			r.With(rbacMiddleware.RequireCapability(rbac.CanView)).Route("/erp", params.ERPHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil {
		r.With(auth.Authenticate(params.AuthService, params.Logger), rbacMiddleware.RequireCapability(rbac.CanManageUsers)).
			Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
