package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleethub/internal/fleet"
	"fleethub/internal/tasks"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			assigned_device_id TEXT NOT NULL DEFAULT '',
			creator_device_id TEXT NOT NULL DEFAULT '',
			execution_session_id TEXT NOT NULL DEFAULT '',
			progress JSONB NULL,
			summary TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			metadata JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			can_execute BOOLEAN NOT NULL DEFAULT FALSE,
			repos JSONB NULL,
			last_seen_at TIMESTAMPTZ NOT NULL,
			app_version TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_user_machine ON devices (user_id, machine_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Postgres) SaveTask(ctx context.Context, task tasks.Task) error {
	progress, err := marshalNullable(task.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	metadata, err := marshalNullable(task.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (
			id, user_id, project_id, workspace_id, title, description, status, priority, repo,
			assigned_device_id, creator_device_id, execution_session_id, progress, summary, pr_url,
			metadata, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
		)
		ON CONFLICT (id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			project_id=EXCLUDED.project_id,
			workspace_id=EXCLUDED.workspace_id,
			title=EXCLUDED.title,
			description=EXCLUDED.description,
			status=EXCLUDED.status,
			priority=EXCLUDED.priority,
			repo=EXCLUDED.repo,
			assigned_device_id=EXCLUDED.assigned_device_id,
			creator_device_id=EXCLUDED.creator_device_id,
			execution_session_id=EXCLUDED.execution_session_id,
			progress=EXCLUDED.progress,
			summary=EXCLUDED.summary,
			pr_url=EXCLUDED.pr_url,
			metadata=EXCLUDED.metadata,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		task.ID,
		task.UserID,
		task.ProjectID,
		task.WorkspaceID,
		task.Title,
		task.Description,
		string(task.Status),
		task.Priority,
		task.Repo,
		task.AssignedDeviceID,
		task.CreatorDeviceID,
		task.ExecutionSessionID,
		progress,
		task.Summary,
		task.PRURL,
		metadata,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, project_id, workspace_id, title, description, status, priority, repo,
		assigned_device_id, creator_device_id, execution_session_id, progress, summary, pr_url,
		metadata, created_at, updated_at`

func (s *Postgres) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return tasks.Task{}, tasks.ErrNotFound
		}
		return tasks.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *Postgres) ListTasksByUser(ctx context.Context, userID string, limit int) ([]tasks.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]tasks.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *Postgres) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tasks.ErrNotFound
	}
	return nil
}

func (s *Postgres) SaveDevice(ctx context.Context, device fleet.Device) error {
	repos, err := marshalNullable(device.Capabilities.Repos)
	if err != nil {
		return fmt.Errorf("encode repos: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO devices (
			id, user_id, machine_id, kind, name, can_execute, repos, last_seen_at, app_version,
			created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
		)
		ON CONFLICT (id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			machine_id=EXCLUDED.machine_id,
			kind=EXCLUDED.kind,
			name=EXCLUDED.name,
			can_execute=EXCLUDED.can_execute,
			repos=EXCLUDED.repos,
			last_seen_at=EXCLUDED.last_seen_at,
			app_version=EXCLUDED.app_version,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		device.ID,
		device.UserID,
		device.MachineID,
		string(device.Kind),
		device.Name,
		device.Capabilities.CanExecute,
		repos,
		device.LastSeenAt,
		device.AppVersion,
		device.CreatedAt,
		device.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

const deviceColumns = `id, user_id, machine_id, kind, name, can_execute, repos, last_seen_at,
		app_version, created_at, updated_at`

func (s *Postgres) GetDevice(ctx context.Context, deviceID string) (fleet.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id=$1`, deviceID)
	device, err := scanDevice(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fleet.Device{}, fleet.ErrNotFound
		}
		return fleet.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

func (s *Postgres) ListDevicesByUser(ctx context.Context, userID string) ([]fleet.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id=$1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]fleet.Device, 0, 4)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return out, nil
}

func (s *Postgres) ListDevices(ctx context.Context) ([]fleet.Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]fleet.Device, 0, 16)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return out, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (tasks.Task, error) {
	var (
		task     tasks.Task
		status   string
		progress []byte
		metadata []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.ProjectID,
		&task.WorkspaceID,
		&task.Title,
		&task.Description,
		&status,
		&task.Priority,
		&task.Repo,
		&task.AssignedDeviceID,
		&task.CreatorDeviceID,
		&task.ExecutionSessionID,
		&progress,
		&task.Summary,
		&task.PRURL,
		&metadata,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return tasks.Task{}, err
	}
	task.Status = tasks.Status(status)
	if len(progress) > 0 {
		var p tasks.Progress
		if err := json.Unmarshal(progress, &p); err != nil {
			return tasks.Task{}, fmt.Errorf("decode progress: %w", err)
		}
		task.Progress = &p
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
			return tasks.Task{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return task, nil
}

func scanDevice(row pgx.Row) (fleet.Device, error) {
	var (
		device fleet.Device
		kind   string
		repos  []byte
	)
	if err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.MachineID,
		&kind,
		&device.Name,
		&device.Capabilities.CanExecute,
		&repos,
		&device.LastSeenAt,
		&device.AppVersion,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		return fleet.Device{}, err
	}
	device.Kind = fleet.Kind(kind)
	if len(repos) > 0 {
		if err := json.Unmarshal(repos, &device.Capabilities.Repos); err != nil {
			return fleet.Device{}, fmt.Errorf("decode repos: %w", err)
		}
	}
	return device, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *tasks.Progress:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
