// Package queue runs one owning worker goroutine per app (§9's
// "single owning actor per app" design note) that drains
// repository-backed app_task rows through an injected Executor,
// folding concurrent requests the way models.FoldQueue describes
// (§4.5).
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
	"github.com/prevant/orchestrator/repository"
)

// Executor runs one already-folded task to completion. appservice
// implements this; queue has no opinion on what a task does.
type Executor interface {
	Execute(ctx context.Context, task models.AppTask) (*models.App, *errs.Error)
}

// Manager owns one worker per AppName that has ever been enqueued.
// Workers are created lazily on first Enqueue and live for the
// process's lifetime — apps come and go far less often than tasks, so
// tearing a worker down between tasks buys nothing.
type Manager struct {
	store    *repository.Store
	executor Executor
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[models.AppName]chan struct{}
}

func NewManager(store *repository.Store, executor Executor, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		executor: executor,
		logger:   logger,
		workers:  make(map[models.AppName]chan struct{}),
	}
}

// Start must be called once before any Enqueue; workers run until
// Stop is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop waits for every worker's current task to finish, then returns.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Enqueue persists task and wakes (or starts) the worker for its app.
func (m *Manager) Enqueue(ctx context.Context, task models.AppTask) error {
	if err := m.store.Enqueue(ctx, task); err != nil {
		return err
	}
	m.wake(task.App)
	return nil
}

func (m *Manager) wake(appName models.AppName) {
	m.mu.Lock()
	wakeCh, ok := m.workers[appName]
	if !ok {
		wakeCh = make(chan struct{}, 1)
		m.workers[appName] = wakeCh
		m.wg.Add(1)
		go m.run(appName, wakeCh)
	}
	m.mu.Unlock()

	select {
	case wakeCh <- struct{}{}:
	default:
		// a wake is already pending; the worker will see it and
		// re-check the queue before going back to sleep.
	}
}

func (m *Manager) run(appName models.AppName, wakeCh chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-wakeCh:
			m.drain(appName)
		}
	}
}

// drain pops and executes tasks for appName until the queue reports
// nothing ready (either empty, or already running elsewhere).
func (m *Manager) drain(appName models.AppName) {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		task, err := m.store.PopNextForApp(m.ctx, appName)
		if err != nil {
			if !errors.Is(err, repository.ErrNoTaskReady) {
				m.logger.Error("failed to pop next task", "app", appName, "error", err)
			}
			return
		}

		result, execErr := m.executor.Execute(m.ctx, task)
		if compErr := m.store.CompleteTask(m.ctx, task.ID, result, execErr); compErr != nil {
			m.logger.Error("failed to persist task completion", "app", appName, "task", task.ID, "error", compErr)
		}
	}
}
