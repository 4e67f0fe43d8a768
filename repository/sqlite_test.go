package repository

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prevant/orchestrator/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAndGetTask_RoundTrips(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := models.AppTask{
		ID:             models.NewAppStatusChangeId(),
		App:            models.AppName("checkout"),
		Kind:           models.TaskCreateOrUpdate,
		ServiceConfigs: []models.ServiceConfig{{ServiceName: "web", Port: 8080}},
	}

	if err := store.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue: unexpected error: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: unexpected error: %v", err)
	}
	if got.Status != models.TaskQueued {
		t.Errorf("got status %q, want %q", got.Status, models.TaskQueued)
	}
	if got.App != task.App || got.Kind != task.Kind {
		t.Errorf("got %+v, want app/kind to match the enqueued task", got)
	}
	if len(got.ServiceConfigs) != 1 || got.ServiceConfigs[0].ServiceName != "web" {
		t.Errorf("got %+v, want the service config preserved", got.ServiceConfigs)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetTask(context.Background(), models.NewAppStatusChangeId())
	if err == nil {
		t.Fatal("expected an error for a nonexistent task id, got nil")
	}
}

func TestPopNextForApp_FoldsCompatibleTasksAndSkipsWhenRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appName := models.AppName("checkout")

	first := models.AppTask{ID: models.NewAppStatusChangeId(), App: appName, Kind: models.TaskCreateOrUpdate,
		ServiceConfigs: []models.ServiceConfig{{ServiceName: "web", Port: 8080}}}
	second := models.AppTask{ID: models.NewAppStatusChangeId(), App: appName, Kind: models.TaskCreateOrUpdate,
		ServiceConfigs: []models.ServiceConfig{{ServiceName: "worker", Port: 9090}}}

	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue first: unexpected error: %v", err)
	}
	if err := store.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue second: unexpected error: %v", err)
	}

	survivor, err := store.PopNextForApp(ctx, appName)
	if err != nil {
		t.Fatalf("PopNextForApp: unexpected error: %v", err)
	}
	if survivor.ID != second.ID {
		t.Errorf("expected the survivor to carry second's id, got %v", survivor.ID)
	}
	if len(survivor.ServiceConfigs) != 2 {
		t.Errorf("expected the survivor to carry both merged service configs, got %v", survivor.ServiceConfigs)
	}

	if _, err := store.PopNextForApp(ctx, appName); !errors.Is(err, ErrNoTaskReady) {
		t.Errorf("expected ErrNoTaskReady while a task is still running, got %v", err)
	}
}

func TestCompleteTask_PropagatesResultToFoldedPeers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appName := models.AppName("checkout")

	first := models.AppTask{ID: models.NewAppStatusChangeId(), App: appName, Kind: models.TaskCreateOrUpdate}
	second := models.AppTask{ID: models.NewAppStatusChangeId(), App: appName, Kind: models.TaskCreateOrUpdate}

	if err := store.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue first: unexpected error: %v", err)
	}
	if err := store.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue second: unexpected error: %v", err)
	}

	survivor, err := store.PopNextForApp(ctx, appName)
	if err != nil {
		t.Fatalf("PopNextForApp: unexpected error: %v", err)
	}

	result := &models.App{Name: appName}
	if err := store.CompleteTask(ctx, survivor.ID, result, nil); err != nil {
		t.Fatalf("CompleteTask: unexpected error: %v", err)
	}

	peerTask, err := store.GetTask(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetTask(peer): unexpected error: %v", err)
	}
	if peerTask.Status != models.TaskDone {
		t.Errorf("expected folded peer to be marked done, got %q", peerTask.Status)
	}
	if peerTask.ResultSuccess == nil || peerTask.ResultSuccess.Name != appName {
		t.Errorf("expected folded peer to carry the survivor's result, got %+v", peerTask.ResultSuccess)
	}
}
