package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prevant/orchestrator/errs"
)

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("failed to encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// writeError maps err onto its Kind's HTTP status (§7) and logs it at
// Error level, so a caller never needs to repeat the kind-to-status
// switch at the call site.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind, _ := errs.KindOf(err)
	status := kind.HTTPStatus()
	logger.Error("request failed", "kind", kind, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeErrorMessage(w http.ResponseWriter, logger *slog.Logger, statusCode int, message string) {
	logger.Error(message)
	writeJSON(w, statusCode, map[string]string{"error": message})
}
