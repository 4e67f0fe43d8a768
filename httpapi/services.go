package httpapi

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
)

type changeStatusRequest struct {
	Status models.ServiceStatus `json:"status"`
}

// changeServiceStatus implements `PUT /api/apps/{app}/states/{service}`
// (§4.1's change_status, §6): pause or resume a single service without
// removing it. This is a direct infra call, not a queued task — §4.5's
// merge table only covers create/update/delete/back-up/restore.
func (h *handler) changeServiceStatus(w http.ResponseWriter, r *http.Request) {
	appName, err := models.NewAppName(chi.URLParam(r, "app"))
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, err.Error())
		return
	}
	serviceName := chi.URLParam(r, "service")

	var body changeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Status != models.ServiceRunning && body.Status != models.ServicePaused {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, "status must be \"running\" or \"paused\"")
		return
	}

	if err := h.deps.Infra.ChangeStatus(r.Context(), appName, serviceName, body.Status); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}

	status, err := h.deps.Infra.GetStatusChange(r.Context(), appName, serviceName)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.ServiceStatus{"status": status})
}

// getLogs implements `GET /api/apps/{app}/logs/{service}` — paginated
// by default, or a `text/event-stream` of new lines when the client
// asks for one and the caller didn't already bound it with since/limit
// (§6).
func (h *handler) getLogs(w http.ResponseWriter, r *http.Request) {
	appName, err := models.NewAppName(chi.URLParam(r, "app"))
	if err != nil {
		writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, err.Error())
		return
	}
	serviceName := chi.URLParam(r, "service")

	opts := infra.LogOptions{}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, "invalid since: must be RFC3339")
			return
		}
		opts.Since = &t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeErrorMessage(w, h.deps.Logger, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		opts.Limit = n
	}

	if acceptsEventStream(r) && opts.Since == nil && opts.Limit == 0 {
		h.streamLogs(w, r, appName, serviceName)
		return
	}

	opts.Follow = false
	stream, err := h.deps.Infra.GetLogs(r.Context(), appName, serviceName, opts)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, stream)
}

func (h *handler) streamLogs(w http.ResponseWriter, r *http.Request, appName models.AppName, serviceName string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorMessage(w, h.deps.Logger, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.deps.Infra.GetLogs(r.Context(), appName, serviceName, infra.LogOptions{Follow: true})
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	go func() {
		<-r.Context().Done()
		stream.Close()
	}()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := writeSSEEvent(w, flusher, scanner.Text()); err != nil {
			return
		}
	}
}
