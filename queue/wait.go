package queue

import (
	"context"
	"time"

	"github.com/prevant/orchestrator/models"
)

// pollInterval is how often TryWaitForTask re-checks the task table
// while waiting for a task to finish.
const pollInterval = 100 * time.Millisecond

// TryWaitForTask polls the task's row until it is done or budget
// elapses, implementing the "try_wait_for_task honours a caller
// supplied wait budget and returns pending on expiry" behaviour (§5).
// The queue has no per-task completion channel — the task table is the
// single source of truth a second process could also poll — so a
// short poll loop is the simplest thing that stays correct across
// process restarts.
func (m *Manager) TryWaitForTask(ctx context.Context, id models.AppStatusChangeId, budget time.Duration) (models.AppTask, bool, error) {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := m.store.GetTask(ctx, id)
		if err != nil {
			return models.AppTask{}, false, err
		}
		if task.Status == models.TaskDone {
			return task, true, nil
		}
		if !time.Now().Before(deadline) {
			return task, false, nil
		}

		select {
		case <-ctx.Done():
			return task, false, ctx.Err()
		case <-ticker.C:
		}
	}
}
