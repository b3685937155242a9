package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/api/middleware"
	"github.com/lzjever/crawlhub/internal/orchestrator"
)

type API struct {
	orc *orchestrator.Orchestrator
	log *zap.Logger
	// keepalive is the SSE comment interval on watch streams.
	keepalive time.Duration
}

func NewAPI(orc *orchestrator.Orchestrator, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		orc:       orc,
		log:       log.With(zap.String("component", "api")),
		keepalive: 15 * time.Second,
	}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(middleware.Recoverer(a.log))
	r.Use(middleware.Logger)

	// Health endpoints
	r.Get("/healthz", a.HealthHandler)
	r.Get("/readyz", a.ReadyHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Use(chiMiddleware.AllowContentType("application/json"))

		r.Route("/spiders/{spider_id}", func(r chi.Router) {
			// Workspace
			r.Get("/workspace", a.GetWorkspace)
			r.Post("/workspace", a.CreateWorkspace)
			r.Post("/workspace:start", a.StartWorkspace)
			r.Post("/workspace:stop", a.StopWorkspace)
			r.Post("/workspace:refresh", a.RefreshWorkspace)
			r.Get("/workspace:watch", a.WatchWorkspace)

			// Deployments
			r.Get("/deployments", a.ListDeployments)
			r.Post("/deployments", a.CreateDeployment)
			r.Post("/deployments:restore", a.RestoreDeployment)
			r.Post("/deployments:prune", a.PruneDeployments)
			r.Post("/deployments/{deployment_id}:rollback", a.RollbackDeployment)
			r.Delete("/deployments/{deployment_id}", a.DeleteDeployment)

			// Tasks
			r.Get("/tasks", a.ListSpiderTasks)
			r.Post("/tasks", a.SubmitTask)
		})

		r.Get("/tasks", a.ListTasks)
		r.Get("/tasks/{task_id}", a.GetTask)
		r.Post("/tasks/{task_id}:cancel", a.CancelTask)
		r.Get("/tasks/{task_id}/logs", a.GetTaskLogs)
	})

	return r
}
