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

// SaveBackup upserts the app_backup row for app.Name, replacing
// whatever backup existed before — §6 keeps exactly one backup per
// app, not a history.
func (s *Store) SaveBackup(ctx context.Context, app models.App, infrastructurePayload json.RawMessage) error {
	appJSON, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("failed to encode app for backup: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_backup (app_name, app, infrastructure_payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app_name) DO UPDATE SET app = excluded.app, infrastructure_payload = excluded.infrastructure_payload, created_at = excluded.created_at
	`, string(app.Name), string(appJSON), string(infrastructurePayload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save backup for app %q: %w", app.Name, err)
	}
	return nil
}

// Backup is one row of app_backup, decoded.
type Backup struct {
	AppName               models.AppName
	App                   models.App
	InfrastructurePayload json.RawMessage
	CreatedAt             time.Time
}

func (s *Store) GetBackup(ctx context.Context, appName models.AppName) (Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT app_name, app, infrastructure_payload, created_at FROM app_backup WHERE app_name = ?
	`, string(appName))
	return scanBackup(row)
}

// ListBackups is used by the stale-backup detector (§4.8) to find
// backups whose app hasn't been restored within the retention window.
func (s *Store) ListBackups(ctx context.Context) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app_name, app, infrastructure_payload, created_at FROM app_backup`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		backup, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, backup)
	}
	return backups, rows.Err()
}

func (s *Store) DeleteBackup(ctx context.Context, appName models.AppName) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_backup WHERE app_name = ?`, string(appName)); err != nil {
		return fmt.Errorf("failed to delete backup for app %q: %w", appName, err)
	}
	return nil
}

func scanBackup(row rowScanner) (Backup, error) {
	var appName, appJSON, payload string
	var createdAt time.Time
	if err := row.Scan(&appName, &appJSON, &payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Backup{}, errs.New(errs.NotFound, "backup not found")
		}
		return Backup{}, fmt.Errorf("failed to scan backup: %w", err)
	}

	var app models.App
	if err := json.Unmarshal([]byte(appJSON), &app); err != nil {
		return Backup{}, fmt.Errorf("failed to decode backed-up app: %w", err)
	}

	return Backup{
		AppName:               models.AppName(appName),
		App:                   app,
		InfrastructurePayload: json.RawMessage(payload),
		CreatedAt:             createdAt,
	}, nil
}
