package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/timeflow-backend/api/controllers"
	"github.com/angelmondragon/timeflow-backend/api/middleware"
	"github.com/angelmondragon/timeflow-backend/pkg/config"
	"github.com/angelmondragon/timeflow-backend/pkg/logger"
)

// Deps carries everything the HTTP surface needs. Nil optional entries mean
// the dependency is not wired in this deployment.
type Deps struct {
	DB        controllers.Pinger
	Redis     controllers.Pinger
	Ops       controllers.SnapshotService
	Publisher controllers.EventPublisher
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	pingers := map[string]controllers.Pinger{
		"database": deps.DB,
		"redis":    deps.Redis,
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, pingers))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/ops", func(r chi.Router) {
		r.Use(middleware.OpsAccess(cfg.App, cfg.Ops, cfg.JWT, logg))
		r.Get("/realtime", controllers.OpsRealtime(deps.Ops))
		r.Post("/publish", controllers.OpsPublish(deps.Publisher, logg))
	})

	return r
}
