package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prevant/orchestrator/hostmeta"
)

// snapshotPollInterval bounds how quickly the app-list SSE stream
// notices a change that isn't already pushed by the host-meta crawler
// (a new or removed app, or a changed service set).
const snapshotPollInterval = 2 * time.Second

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// streamApps implements §6's `GET /api/apps text/event-stream`: a
// snapshot is pushed whenever the app list or any service's host-meta
// changes. The host-meta crawler's watch channel delivers per-service
// changes promptly; a short poll catches app-list changes (create,
// delete, replica set changes) the crawler has no reason to know
// about.
func (h *handler) streamApps(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorMessage(w, h.deps.Logger, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()

	var updates <-chan hostmeta.Update
	if h.deps.Crawler != nil {
		updates = h.deps.Crawler.Watch(ctx)
	}

	ticker := time.NewTicker(snapshotPollInterval)
	defer ticker.Stop()

	var lastBody []byte
	send := func() bool {
		snapshot, err := h.appsSnapshot(ctx)
		if err != nil {
			h.deps.Logger.Error("failed to build app snapshot for stream", "error", err)
			return true
		}
		body, err := json.Marshal(snapshot)
		if err != nil {
			return true
		}
		if bytes.Equal(body, lastBody) {
			return true
		}
		lastBody = body
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(body); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-updates:
			if !open {
				updates = nil
				continue
			}
			if !send() {
				return
			}
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
