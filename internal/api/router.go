package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/conductor/internal/api/handler"
	mw "github.com/kiranshivaraju/conductor/internal/api/middleware"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Health    *handler.Health
	Jobs      *handler.Jobs
	Control   *handler.Control
	Resources *handler.Resources
	Keys      *handler.Keys
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public probes
	r.Get("/health", deps.Health.Live)
	r.Get("/ready", deps.Health.Ready)

	// End-user routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)
		r.Use(deps.Auth.RequireRole(models.RoleUser))

		r.Post("/api/jobs", deps.Jobs.Submit)
		r.Get("/api/jobs", deps.Jobs.Browse)
		r.Delete("/api/jobs", deps.Jobs.Cancel)
		r.Post("/api/jobs/extend", deps.Jobs.Extend)
		r.Post("/api/jobs/interactive-session", deps.Jobs.InteractiveSession)
		r.Get("/api/jobs/{jobID}", deps.Jobs.Retrieve)
		r.Get("/api/jobs/{jobID}/follow", deps.Jobs.Follow)
		r.Get("/api/jobs/{jobID}/utilization", deps.Jobs.Utilization)

		r.Post("/api/resources/{kind}", deps.Resources.Provision)
		r.Get("/api/resources/{kind}", deps.Resources.Browse)
		r.Get("/api/resources/{kind}/{resourceID}", deps.Resources.Retrieve)
		r.Delete("/api/resources/{kind}/{resourceID}", deps.Resources.Delete)
		r.Post("/api/resources/{kind}/{resourceID}/firewall", deps.Resources.UpdateFirewall)
	})

	// Provider control routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Auth.RequireRole(models.RoleProvider))

		r.Post("/api/control/update", deps.Control.UpdateState)
		r.Post("/api/control/charge", deps.Control.Charge)
		r.Get("/api/control/jobs", deps.Control.RetrieveJobs)
		r.Post("/api/control/resources/{kind}/{resourceID}", deps.Resources.UpdateState)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.Auth.RequireScope("admin"))

		r.Post("/api/admin/keys", deps.Keys.Create)
		r.Delete("/api/admin/keys/{keyID}", deps.Keys.Revoke)
	})

	return r
}
