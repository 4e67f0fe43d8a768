package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAcceptsEventStream(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   bool
	}{
		{"exact match", "text/event-stream", true},
		{"with quality value", "text/event-stream;q=0.9", true},
		{"among other types", "application/json, text/event-stream", true},
		{"json only", "application/json", false},
		{"absent", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/apps", nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			if got := acceptsEventStream(req); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
