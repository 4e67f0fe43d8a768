package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/repository"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []models.AppTask
	fail  bool
}

func (f *fakeExecutor) Execute(_ context.Context, task models.AppTask) (*models.App, *errs.Error) {
	f.mu.Lock()
	f.calls = append(f.calls, task)
	f.mu.Unlock()
	if f.fail {
		return nil, errs.New(errs.InfrastructureError, "boom")
	}
	return &models.App{Name: task.App}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := repository.Open(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestManager_EnqueueExecutesAndCompletesTask(t *testing.T) {
	store := openTestStore(t)
	executor := &fakeExecutor{}
	manager := NewManager(store, executor, slog.New(slog.DiscardHandler))
	manager.Start(context.Background())
	defer manager.Stop()

	task := models.AppTask{ID: models.NewAppStatusChangeId(), App: models.AppName("checkout"), Kind: models.TaskCreateOrUpdate}
	if err := manager.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue: unexpected error: %v", err)
	}

	completed, done, err := manager.TryWaitForTask(context.Background(), task.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("TryWaitForTask: unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected the task to complete within the budget")
	}
	if completed.ResultSuccess == nil || completed.ResultSuccess.Name != task.App {
		t.Errorf("got %+v, want a successful result for %s", completed.ResultSuccess, task.App)
	}
	if executor.callCount() != 1 {
		t.Errorf("got %d executor calls, want 1", executor.callCount())
	}
}

func TestManager_ExecutorFailureIsRecordedAsTaskError(t *testing.T) {
	store := openTestStore(t)
	executor := &fakeExecutor{fail: true}
	manager := NewManager(store, executor, slog.New(slog.DiscardHandler))
	manager.Start(context.Background())
	defer manager.Stop()

	task := models.AppTask{ID: models.NewAppStatusChangeId(), App: models.AppName("checkout"), Kind: models.TaskDelete}
	if err := manager.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue: unexpected error: %v", err)
	}

	completed, done, err := manager.TryWaitForTask(context.Background(), task.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("TryWaitForTask: unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected the task to complete within the budget")
	}
	if completed.ResultError == nil || completed.ResultError.Kind != errs.InfrastructureError {
		t.Errorf("got %+v, want an InfrastructureError result", completed.ResultError)
	}
}

func TestManager_TryWaitForTask_ReturnsNotDoneOnTimeout(t *testing.T) {
	store := openTestStore(t)

	task := models.AppTask{ID: models.NewAppStatusChangeId(), App: models.AppName("checkout"), Kind: models.TaskCreateOrUpdate}
	if err := store.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue: unexpected error: %v", err)
	}

	manager := NewManager(store, &fakeExecutor{}, slog.New(slog.DiscardHandler))
	_, done, err := manager.TryWaitForTask(context.Background(), task.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Error("expected the task to still be pending since no worker was started")
	}
}
