package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prevant/orchestrator/infra"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/traefik"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeHandlerInfra struct {
	statusByService map[string]models.ServiceStatus
	changeStatusErr error
	logLines        string
}

func (f *fakeHandlerInfra) GetServices(_ context.Context, _ models.AppName) ([]models.Service, error) {
	return nil, nil
}
func (f *fakeHandlerInfra) DeployServices(_ context.Context, _ models.DeploymentUnit) ([]models.Service, error) {
	return nil, nil
}
func (f *fakeHandlerInfra) StopServices(_ context.Context, _ models.AppName) error { return nil }
func (f *fakeHandlerInfra) GetConfigsOfApp(_ context.Context, _ models.AppName) ([]models.ServiceConfig, error) {
	return nil, nil
}
func (f *fakeHandlerInfra) GetStatusChange(_ context.Context, _ models.AppName, service string) (models.ServiceStatus, error) {
	return f.statusByService[service], nil
}
func (f *fakeHandlerInfra) ChangeStatus(_ context.Context, _ models.AppName, service string, status models.ServiceStatus) error {
	if f.changeStatusErr != nil {
		return f.changeStatusErr
	}
	if f.statusByService == nil {
		f.statusByService = map[string]models.ServiceStatus{}
	}
	f.statusByService[service] = status
	return nil
}
func (f *fakeHandlerInfra) GetLogs(_ context.Context, _ models.AppName, _ string, _ infra.LogOptions) (infra.LogStream, error) {
	return io.NopCloser(strings.NewReader(f.logLines)), nil
}
func (f *fakeHandlerInfra) BaseTraefikIngressRoute() traefik.IngressRoute { return traefik.IngressRoute{} }
func (f *fakeHandlerInfra) ListApps(_ context.Context) ([]models.AppName, error)   { return nil, nil }
func (f *fakeHandlerInfra) ExportManifest(_ context.Context, _ models.AppName) (json.RawMessage, error) {
	return nil, nil
}

func TestChangeServiceStatus_Success(t *testing.T) {
	fi := &fakeHandlerInfra{}
	router := NewRouter(Dependencies{Infra: fi, Logger: testLogger()})

	body := bytes.NewBufferString(`{"status":"paused"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/apps/checkout/states/web", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if fi.statusByService["web"] != models.ServicePaused {
		t.Errorf("got %v, want the service paused", fi.statusByService)
	}
}

func TestChangeServiceStatus_RejectsInvalidStatus(t *testing.T) {
	fi := &fakeHandlerInfra{}
	router := NewRouter(Dependencies{Infra: fi, Logger: testLogger()})

	body := bytes.NewBufferString(`{"status":"bogus"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/apps/checkout/states/web", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestChangeServiceStatus_RejectsMalformedBody(t *testing.T) {
	fi := &fakeHandlerInfra{}
	router := NewRouter(Dependencies{Infra: fi, Logger: testLogger()})

	req := httptest.NewRequest(http.MethodPut, "/api/apps/checkout/states/web", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestGetLogs_PlainTextResponse(t *testing.T) {
	fi := &fakeHandlerInfra{logLines: "line one\nline two\n"}
	router := NewRouter(Dependencies{Infra: fi, Logger: testLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/apps/checkout/logs/web", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if rec.Body.String() != "line one\nline two\n" {
		t.Errorf("got body %q, want the fake log lines", rec.Body.String())
	}
}

func TestGetLogs_RejectsInvalidSince(t *testing.T) {
	fi := &fakeHandlerInfra{}
	router := NewRouter(Dependencies{Infra: fi, Logger: testLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/apps/checkout/logs/web?since=not-a-timestamp", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestGetLogs_RejectsInvalidLimit(t *testing.T) {
	fi := &fakeHandlerInfra{}
	router := NewRouter(Dependencies{Infra: fi, Logger: testLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/apps/checkout/logs/web?limit=-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}
