package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/imagesync"
	"github.com/labmesh-io/labmesh/internal/jobengine"
	"github.com/labmesh-io/labmesh/internal/registry"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/webhook"
	"github.com/labmesh-io/labmesh/internal/ws"
)

// ReconcileTrigger runs one reconciliation pass. Implemented by
// reconciler.Reconciler; the admin endpoint invokes it out of schedule.
type ReconcileTrigger interface {
	Run(ctx context.Context)
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// Populated in cmd/controller after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Engine     *jobengine.Engine
	Registry   *registry.Registry
	Reconciler ReconcileTrigger
	Dispatcher *webhook.Dispatcher
	ImageSync  *imagesync.Manager
	Hub        *ws.Hub
	Live       *ws.Publisher
	Logger     *zap.Logger

	// Repositories used directly by handlers that need no service logic.
	Agents   repositories.AgentRepository
	Labs     repositories.LabRepository
	Topology repositories.TopologyRepository
	States   repositories.StateRepository
	Jobs     repositories.JobRepository
	Images   repositories.ImageRepository
	Webhooks repositories.WebhookRepository
	Updates  repositories.AgentUpdateRepository

	// AgentToken is the shared secret agents present; empty disables the
	// check (development default).
	AgentToken string
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1; /metrics is served at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Registry, cfg.Agents, cfg.ImageSync, cfg.Live, cfg.AgentToken, cfg.Logger)
	callbackHandler := NewCallbackHandler(cfg.Engine, cfg.Updates, cfg.Logger)
	eventHandler := NewEventHandler(cfg.States, cfg.Logger)
	labHandler := NewLabHandler(cfg.Labs, cfg.Topology, cfg.States, cfg.Agents, cfg.Engine, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.Dispatcher, cfg.Logger)
	imageHandler := NewImageHandler(cfg.Images, cfg.ImageSync, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Agent protocol ---
		// Registration validates the token itself (header or body); the
		// remaining agent endpoints require the X-Agent-Token header.
		r.Post("/agents/register", agentHandler.Register)

		r.Group(func(r chi.Router) {
			r.Use(AgentAuth(cfg.AgentToken))

			r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)

			r.Post("/callbacks/job/{id}", callbackHandler.JobCallback)
			r.Post("/callbacks/job/{id}/heartbeat", callbackHandler.JobHeartbeat)
			r.Post("/callbacks/dead-letter/{id}", callbackHandler.DeadLetter)
			r.Post("/callbacks/update/{id}", callbackHandler.UpdateCallback)

			r.Post("/events/node", eventHandler.NodeEvent)
			r.Post("/events/batch", eventHandler.Batch)
		})

		// --- Client API ---
		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.GetByID)

		r.Post("/labs", labHandler.Create)
		r.Get("/labs", labHandler.List)
		r.Get("/labs/{id}", labHandler.GetByID)
		r.Delete("/labs/{id}", labHandler.Delete)

		r.Post("/labs/{id}/up", labHandler.Up)
		r.Post("/labs/{id}/down", labHandler.Down)
		r.Post("/labs/{id}/restart", labHandler.Restart)
		r.Post("/labs/{id}/nodes/{name}/start", labHandler.NodeStart)
		r.Post("/labs/{id}/nodes/{name}/stop", labHandler.NodeStop)
		r.Post("/labs/{id}/jobs/{jobID}/cancel", labHandler.CancelJob)

		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)

		r.Post("/webhooks", webhookHandler.Create)
		r.Get("/webhooks", webhookHandler.List)
		r.Get("/webhooks/{id}", webhookHandler.GetByID)
		r.Patch("/webhooks/{id}", webhookHandler.Update)
		r.Delete("/webhooks/{id}", webhookHandler.Delete)
		r.Post("/webhooks/{id}/test", webhookHandler.Test)
		r.Get("/webhooks/{id}/deliveries", webhookHandler.Deliveries)

		r.Post("/images", imageHandler.Create)
		r.Get("/images", imageHandler.List)

		// Admin trigger: one out-of-schedule reconciliation pass.
		r.Post("/reconcile", func(w http.ResponseWriter, req *http.Request) {
			go cfg.Reconciler.Run(context.Background())
			Accepted(w, map[string]bool{"triggered": true})
		})

		r.Get("/ws", wsHandler.ServeWS)
	})

	return r
}
