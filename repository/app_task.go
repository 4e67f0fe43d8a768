package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
)

// ErrNoTaskReady is returned by PopNextForApp when the app has nothing
// queued, or already has a running task (a per-app check inside the
// pop transaction; SQLite offers no row-level SKIP LOCKED).
var ErrNoTaskReady = errors.New("no task ready for this app")

// taskRow is the wire shape of everything in AppTask except the
// columns the table indexes on (id, app_name, status, created_at) —
// kept as its own JSON blob so adding an AppTask field never needs a
// migration.
type taskRow struct {
	Kind                  models.TaskKind       `json:"kind"`
	ReplicateFrom         *models.AppName       `json:"replicateFrom,omitempty"`
	ServiceConfigs        []models.ServiceConfig `json:"serviceConfigs,omitempty"`
	Owners                []models.Owner        `json:"owners,omitempty"`
	UserDefinedParameters json.RawMessage       `json:"userDefinedParameters,omitempty"`
	Payload               json.RawMessage       `json:"payload,omitempty"`
}

func encodeTask(t models.AppTask) (string, error) {
	raw, err := json.Marshal(taskRow{
		Kind:                  t.Kind,
		ReplicateFrom:         t.ReplicateFrom,
		ServiceConfigs:        t.ServiceConfigs,
		Owners:                t.Owners,
		UserDefinedParameters: t.UserDefinedParameters,
		Payload:               t.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}
	return string(raw), nil
}

func decodeTask(raw string) (taskRow, error) {
	var row taskRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return taskRow{}, fmt.Errorf("failed to decode task: %w", err)
	}
	return row, nil
}

// Enqueue inserts a newly-received task in status=queued.
func (s *Store) Enqueue(ctx context.Context, task models.AppTask) error {
	encoded, err := encodeTask(task)
	if err != nil {
		return err
	}
	task.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_task (id, app_name, task, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, task.ID.String(), string(task.App), encoded, models.TaskQueued, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// PopNextForApp folds every queued task for appName (§4.5 step 3): it
// marks the fold's survivor and its done-peers running, leaves
// untouched tasks queued for the next pop, and returns the task the
// caller must now execute. Returns ErrNoTaskReady if appName already
// has a running task or nothing queued.
func (s *Store) PopNextForApp(ctx context.Context, appName models.AppName) (models.AppTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.AppTask{}, fmt.Errorf("failed to begin pop transaction: %w", err)
	}
	defer tx.Rollback()

	var runningCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM app_task WHERE app_name = ? AND status = ?`, string(appName), models.TaskRunning).Scan(&runningCount); err != nil {
		return models.AppTask{}, fmt.Errorf("failed to check running tasks for app %q: %w", appName, err)
	}
	if runningCount > 0 {
		return models.AppTask{}, ErrNoTaskReady
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, app_name, task, status, created_at
		FROM app_task
		WHERE app_name = ? AND status = ?
		ORDER BY created_at ASC
	`, string(appName), models.TaskQueued)
	if err != nil {
		return models.AppTask{}, fmt.Errorf("failed to list queued tasks for app %q: %w", appName, err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return models.AppTask{}, err
	}
	if len(tasks) == 0 {
		return models.AppTask{}, ErrNoTaskReady
	}

	fold := models.FoldQueue(tasks)

	survivorEncoded, err := encodeTask(fold.TaskToWorkOn)
	if err != nil {
		return models.AppTask{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE app_task SET status = ?, task = ? WHERE id = ?`,
		models.TaskRunning, survivorEncoded, fold.TaskToWorkOn.ID.String()); err != nil {
		return models.AppTask{}, fmt.Errorf("failed to mark task %s running: %w", fold.TaskToWorkOn.ID, err)
	}

	for _, peerID := range fold.DonePeers {
		if _, err := tx.ExecContext(ctx, `UPDATE app_task SET status = ?, executed_and_merged_with = ? WHERE id = ?`,
			models.TaskRunning, fold.TaskToWorkOn.ID.String(), peerID.String()); err != nil {
			return models.AppTask{}, fmt.Errorf("failed to fold peer task %s: %w", peerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.AppTask{}, fmt.Errorf("failed to commit pop transaction: %w", err)
	}
	return fold.TaskToWorkOn, nil
}

// CompleteTask records the executor's outcome for taskID and
// propagates it to every peer that was folded into it (rows whose
// executed_and_merged_with equals taskID), satisfying §8's invariant
// that every folded-away task ends up with the survivor's result.
func (s *Store) CompleteTask(ctx context.Context, taskID models.AppStatusChangeId, result *models.App, taskErr *errs.Error) error {
	var successJSON, errorJSON sql.NullString
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
		successJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if taskErr != nil {
		raw, err := json.Marshal(taskErr)
		if err != nil {
			return fmt.Errorf("failed to encode task error: %w", err)
		}
		errorJSON = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin complete transaction: %w", err)
	}
	defer tx.Rollback()

	id := taskID.String()
	if _, err := tx.ExecContext(ctx, `
		UPDATE app_task SET status = ?, result_success = ?, result_error = ?
		WHERE id = ? OR executed_and_merged_with = ?
	`, models.TaskDone, successJSON, errorJSON, id, id); err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	return tx.Commit()
}

// GetTask looks up one task row by id, used by the status-change
// polling endpoint (§6).
func (s *Store) GetTask(ctx context.Context, id models.AppStatusChangeId) (models.AppTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, app_name, task, status, created_at, result_success, result_error, executed_and_merged_with
		FROM app_task WHERE id = ?
	`, id.String())
	return scanTask(row)
}

func scanTasks(rows *sql.Rows) ([]models.AppTask, error) {
	defer rows.Close()
	var tasks []models.AppTask
	for rows.Next() {
		var id, appName, taskJSON, status string
		var createdAt time.Time
		if err := rows.Scan(&id, &appName, &taskJSON, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task, err := assembleTask(id, appName, taskJSON, status, createdAt, sql.NullString{}, sql.NullString{}, sql.NullString{})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanTask share logic across the single-row and future multi-row
// call sites without duplicating the Scan argument list.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.AppTask, error) {
	var id, appName, taskJSON, status string
	var createdAt time.Time
	var resultSuccess, resultError, executedWith sql.NullString
	if err := row.Scan(&id, &appName, &taskJSON, &status, &createdAt, &resultSuccess, &resultError, &executedWith); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AppTask{}, errs.New(errs.NotFound, "task not found")
		}
		return models.AppTask{}, fmt.Errorf("failed to scan task: %w", err)
	}
	return assembleTask(id, appName, taskJSON, status, createdAt, resultSuccess, resultError, executedWith)
}

func assembleTask(id, appName, taskJSON, status string, createdAt time.Time, resultSuccess, resultError, executedWith sql.NullString) (models.AppTask, error) {
	statusChangeID, err := models.ParseAppStatusChangeId(id)
	if err != nil {
		return models.AppTask{}, err
	}
	row, err := decodeTask(taskJSON)
	if err != nil {
		return models.AppTask{}, err
	}

	task := models.AppTask{
		ID:                    statusChangeID,
		App:                   models.AppName(appName),
		Kind:                  row.Kind,
		Status:                models.TaskStatus(status),
		CreatedAt:             createdAt,
		ReplicateFrom:         row.ReplicateFrom,
		ServiceConfigs:        row.ServiceConfigs,
		Owners:                row.Owners,
		UserDefinedParameters: row.UserDefinedParameters,
		Payload:               row.Payload,
	}

	if resultSuccess.Valid {
		var app models.App
		if err := json.Unmarshal([]byte(resultSuccess.String), &app); err != nil {
			return models.AppTask{}, fmt.Errorf("failed to decode result_success: %w", err)
		}
		task.ResultSuccess = &app
	}
	if resultError.Valid {
		var taskErr errs.Error
		if err := json.Unmarshal([]byte(resultError.String), &taskErr); err != nil {
			return models.AppTask{}, fmt.Errorf("failed to decode result_error: %w", err)
		}
		task.ResultError = &taskErr
	}
	if executedWith.Valid {
		parsed, err := models.ParseAppStatusChangeId(executedWith.String)
		if err != nil {
			return models.AppTask{}, err
		}
		task.ExecutedAndMergedWith = &parsed
	}

	return task, nil
}
