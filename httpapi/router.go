// Package httpapi implements the §6 HTTP surface: a chi router exposing
// the app list, create/update/delete, status-change polling,
// pause/resume, and log endpoints. The app list and the logs switch to
// an SSE stream when the request's Accept header asks for one; every
// other endpoint always answers with a plain response.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/prevant/orchestrator/appservice"
	"github.com/prevant/orchestrator/hooks"
	"github.com/prevant/orchestrator/hostmeta"
	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/queue"
	"github.com/prevant/orchestrator/repository"
)

// defaultSyncWait is §6's "absent [Prefer header], sync mode waits up
// to 5 hours" ceiling.
const defaultSyncWait = 5 * time.Hour

// Dependencies wires everything the handlers need. One instance is
// shared across every request; nothing here is request-scoped.
type Dependencies struct {
	Queue       *queue.Manager
	Store       *repository.Store
	Apps        *appservice.Service
	Infra       infra.Infrastructure
	HostMeta    *hostmeta.Cache
	Crawler     *hostmeta.Crawler
	HookRuntime *hooks.Runtime
	Logger      *slog.Logger

	// AppLimit is the maximum number of distinct apps the orchestrator
	// will accept a create for; 0 means unlimited. Updates to an
	// already-existing app are never rejected on this basis (§3).
	AppLimit int

	HookTimeout time.Duration
	SyncWait    time.Duration // overrides defaultSyncWait; zero uses the default
}

func (d Dependencies) syncWait() time.Duration {
	if d.SyncWait > 0 {
		return d.SyncWait
	}
	return defaultSyncWait
}

// NewRouter builds the complete HTTP handler.
func NewRouter(deps Dependencies) http.Handler {
	h := &handler{deps: deps}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Route("/api/apps", func(r chi.Router) {
		r.Get("/", h.listApps)
		r.Post("/{app}", h.createOrUpdateApp)
		r.Delete("/{app}", h.deleteApp)
		r.Get("/{app}/status-changes/{id}", h.getStatusChange)
		r.Put("/{app}/states/{service}", h.changeServiceStatus)
		r.Get("/{app}/logs/{service}", h.getLogs)
	})

	return router
}

type handler struct {
	deps Dependencies
}
