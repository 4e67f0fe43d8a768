package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
)

// maxRequestBody bounds a create/update payload; generous for a
// service-config list but not unbounded.
const maxRequestBody = 2 << 20 // 2MiB

// serviceView is one Service enriched with its cached host-meta result,
// the shape §6's `GET /api/apps` names ("Service with hostMeta").
type serviceView struct {
	ID       string               `json:"id"`
	State    models.ServiceState  `json:"state"`
	Config   models.ServiceConfig `json:"config"`
	HostMeta *models.WebHostMeta  `json:"hostMeta,omitempty"`
}

func (h *handler) viewOf(svc models.Service) serviceView {
	view := serviceView{ID: svc.ID, State: svc.State, Config: svc.Config}
	if h.deps.HostMeta != nil {
		if meta, ok := h.deps.HostMeta.Get(svc.ID); ok {
			view.HostMeta = &meta
		}
	}
	return view
}

func (h *handler) appsSnapshot(ctx context.Context) (map[models.AppName][]serviceView, error) {
	apps, err := h.deps.Apps.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[models.AppName][]serviceView, len(apps))
	for _, app := range apps {
		views := make([]serviceView, 0, len(app.Services))
		for _, svc := range app.Services {
			views = append(views, h.viewOf(svc))
		}
		snapshot[app.Name] = views
	}
	return snapshot, nil
}

func (h *handler) listApps(w http.ResponseWriter, r *http.Request) {
	if acceptsEventStream(r) {
		h.streamApps(w, r)
		return
	}

	snapshot, err := h.appsSnapshot(r.Context())
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// createAppPayload accepts both the legacy bare array of ServiceConfig
// and the v2 `{services, userDefined}` object shape (§6).
type createAppPayload struct {
	Services              []models.ServiceConfig `json:"services"`
	UserDefinedParameters json.RawMessage        `json:"userDefined,omitempty"`
}

func decodeCreateAppPayload(body []byte) (createAppPayload, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var services []models.ServiceConfig
		if err := json.Unmarshal(body, &services); err != nil {
			return createAppPayload{}, err
		}
		return createAppPayload{Services: services}, nil
	}

	var payload createAppPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return createAppPayload{}, err
	}
	return payload, nil
}

func (h *handler) createOrUpdateApp(w http.ResponseWriter, r *http.Request) {
	appName, err := models.NewAppName(chi.URLParam(r, "app"))
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, "failed to read request body")
		return
	}
	payload, err := decodeCreateAppPayload(body)
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	apps, err := h.deps.Apps.ListApps(r.Context())
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	exists := false
	for _, a := range apps {
		if a.Name == appName {
			exists = true
			break
		}
	}
	if !exists && h.deps.AppLimit > 0 && len(apps) >= h.deps.AppLimit {
		writeError(w, h.deps.Logger, errs.New(errs.LimitExceeded, "app limit reached").WithApp(string(appName)))
		return
	}

	replicateFrom := models.MasterAppName
	if raw := r.URL.Query().Get("replicateFrom"); raw != "" {
		parsed, err := models.NewAppName(raw)
		if err != nil {
			writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, "invalid replicateFrom: "+err.Error())
			return
		}
		replicateFrom = parsed
	}

	owner, err := h.ownerFromRequest(r)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	var owners []models.Owner
	if owner != nil {
		owners = []models.Owner{*owner}
	}

	task := models.AppTask{
		ID:                    models.NewAppStatusChangeId(),
		App:                   appName,
		Kind:                  models.TaskCreateOrUpdate,
		ReplicateFrom:         &replicateFrom,
		ServiceConfigs:        payload.Services,
		Owners:                owners,
		UserDefinedParameters: payload.UserDefinedParameters,
	}

	h.enqueueAndRespond(w, r, task)
}

func (h *handler) deleteApp(w http.ResponseWriter, r *http.Request) {
	appName, err := models.NewAppName(chi.URLParam(r, "app"))
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, err.Error())
		return
	}

	task := models.AppTask{ID: models.NewAppStatusChangeId(), App: appName, Kind: models.TaskDelete}
	h.enqueueAndRespond(w, r, task)
}

// enqueueAndRespond enqueues task and then honours the Prefer header
// (§6): absent, it waits up to the configured sync ceiling for the
// result; with `respond-async[, wait=N]` it waits only N seconds
// (zero if unspecified) before falling back to 202 + Location.
func (h *handler) enqueueAndRespond(w http.ResponseWriter, r *http.Request, task models.AppTask) {
	if err := h.deps.Queue.Enqueue(r.Context(), task); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}

	_, wait := parsePreferHeader(r, h.deps.syncWait())

	completed, done, err := h.deps.Queue.TryWaitForTask(r.Context(), task.ID, wait)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if !done {
		location := "/api/apps/" + string(task.App) + "/status-changes/" + task.ID.String()
		w.Header().Set("Location", location)
		writeJSON(w, http.StatusAccepted, map[string]string{"statusChangeId": task.ID.String(), "location": location})
		return
	}
	writeTaskResult(w, completed)
}

func writeTaskResult(w http.ResponseWriter, task models.AppTask) {
	if task.ResultError != nil {
		writeJSON(w, task.ResultError.Kind.HTTPStatus(), map[string]string{"error": task.ResultError.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task.ResultSuccess)
}

// parsePreferHeader implements `Prefer: respond-async[, wait=N]`
// (§6). Its absence means sync mode: wait up to syncCeiling.
func parsePreferHeader(r *http.Request, syncCeiling time.Duration) (async bool, wait time.Duration) {
	header := r.Header.Get("Prefer")
	if header == "" {
		return false, syncCeiling
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "respond-async":
			async = true
		case strings.HasPrefix(part, "wait="):
			if n, err := strconv.Atoi(strings.TrimPrefix(part, "wait=")); err == nil {
				wait = time.Duration(n) * time.Second
			}
		}
	}
	if !async {
		return false, syncCeiling
	}
	return true, wait
}

func (h *handler) getStatusChange(w http.ResponseWriter, r *http.Request) {
	appName, err := models.NewAppName(chi.URLParam(r, "app"))
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, err.Error())
		return
	}
	id, err := models.ParseAppStatusChangeId(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if task.App != appName {
		writeError(w, h.deps.Logger, errs.New(errs.NotFound, "status change does not belong to this app").WithApp(string(appName)))
		return
	}

	if task.Status != models.TaskDone {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(task.Status)})
		return
	}
	writeTaskResult(w, task)
}
