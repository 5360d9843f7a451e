package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleethub/internal/fleet"
	"fleethub/internal/tasks"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
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
	progress TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	can_execute INTEGER NOT NULL DEFAULT 0,
	repos TEXT NOT NULL DEFAULT '',
	last_seen_at TEXT NOT NULL,
	app_version TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_user_machine ON devices (user_id, machine_id);
`

// SQLite is a single-host durable store backed by a pure-Go sqlite driver.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent savers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveTask(ctx context.Context, task tasks.Task) error {
	progress, err := encodeJSONText(task.Progress != nil, task.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	metadata, err := encodeJSONText(len(task.Metadata) > 0, task.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, user_id, project_id, workspace_id, title, description, status, priority, repo,
			assigned_device_id, creator_device_id, execution_session_id, progress, summary, pr_url,
			metadata, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			user_id=excluded.user_id,
			project_id=excluded.project_id,
			workspace_id=excluded.workspace_id,
			title=excluded.title,
			description=excluded.description,
			status=excluded.status,
			priority=excluded.priority,
			repo=excluded.repo,
			assigned_device_id=excluded.assigned_device_id,
			creator_device_id=excluded.creator_device_id,
			execution_session_id=excluded.execution_session_id,
			progress=excluded.progress,
			summary=excluded.summary,
			pr_url=excluded.pr_url,
			metadata=excluded.metadata,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at`,
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
		task.CreatedAt.UTC().Format(time.RFC3339Nano),
		task.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, project_id, workspace_id, title, description, status, priority, repo,
		        assigned_device_id, creator_device_id, execution_session_id, progress, summary, pr_url,
		        metadata, created_at, updated_at
		   FROM tasks WHERE id=?`,
		taskID,
	)
	task, err := scanSQLiteTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return tasks.Task{}, tasks.ErrNotFound
		}
		return tasks.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *SQLite) ListTasksByUser(ctx context.Context, userID string, limit int) ([]tasks.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, project_id, workspace_id, title, description, status, priority, repo,
		        assigned_device_id, creator_device_id, execution_session_id, progress, summary, pr_url,
		        metadata, created_at, updated_at
		   FROM tasks WHERE user_id=? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]tasks.Task, 0, limit)
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
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

func (s *SQLite) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tasks.ErrNotFound
	}
	return nil
}

func (s *SQLite) SaveDevice(ctx context.Context, device fleet.Device) error {
	repos, err := encodeJSONText(len(device.Capabilities.Repos) > 0, device.Capabilities.Repos)
	if err != nil {
		return fmt.Errorf("encode repos: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (
			id, user_id, machine_id, kind, name, can_execute, repos, last_seen_at, app_version,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			user_id=excluded.user_id,
			machine_id=excluded.machine_id,
			kind=excluded.kind,
			name=excluded.name,
			can_execute=excluded.can_execute,
			repos=excluded.repos,
			last_seen_at=excluded.last_seen_at,
			app_version=excluded.app_version,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at`,
		device.ID,
		device.UserID,
		device.MachineID,
		string(device.Kind),
		device.Name,
		boolToInt(device.Capabilities.CanExecute),
		repos,
		device.LastSeenAt.UTC().Format(time.RFC3339Nano),
		device.AppVersion,
		device.CreatedAt.UTC().Format(time.RFC3339Nano),
		device.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *SQLite) GetDevice(ctx context.Context, deviceID string) (fleet.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, machine_id, kind, name, can_execute, repos, last_seen_at, app_version,
		        created_at, updated_at
		   FROM devices WHERE id=?`,
		deviceID,
	)
	device, err := scanSQLiteDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return fleet.Device{}, fleet.ErrNotFound
		}
		return fleet.Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

func (s *SQLite) ListDevicesByUser(ctx context.Context, userID string) ([]fleet.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, machine_id, kind, name, can_execute, repos, last_seen_at, app_version,
		        created_at, updated_at
		   FROM devices WHERE user_id=? ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]fleet.Device, 0, 4)
	for rows.Next() {
		device, err := scanSQLiteDevice(rows)
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

func (s *SQLite) ListDevices(ctx context.Context) ([]fleet.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, machine_id, kind, name, can_execute, repos, last_seen_at, app_version,
		        created_at, updated_at
		   FROM devices ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]fleet.Device, 0, 16)
	for rows.Next() {
		device, err := scanSQLiteDevice(rows)
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

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (tasks.Task, error) {
	var (
		task      tasks.Task
		status    string
		progress  string
		metadata  string
		createdAt string
		updatedAt string
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
		&createdAt,
		&updatedAt,
	); err != nil {
		return tasks.Task{}, err
	}
	task.Status = tasks.Status(status)
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if progress != "" {
		var p tasks.Progress
		if err := json.Unmarshal([]byte(progress), &p); err != nil {
			return tasks.Task{}, fmt.Errorf("decode progress: %w", err)
		}
		task.Progress = &p
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
			return tasks.Task{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return task, nil
}

func scanSQLiteDevice(row rowScanner) (fleet.Device, error) {
	var (
		device     fleet.Device
		kind       string
		canExecute int
		repos      string
		lastSeen   string
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.MachineID,
		&kind,
		&device.Name,
		&canExecute,
		&repos,
		&lastSeen,
		&device.AppVersion,
		&createdAt,
		&updatedAt,
	); err != nil {
		return fleet.Device{}, err
	}
	device.Kind = fleet.Kind(kind)
	device.Capabilities.CanExecute = canExecute != 0
	device.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeen)
	device.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	device.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if repos != "" {
		if err := json.Unmarshal([]byte(repos), &device.Capabilities.Repos); err != nil {
			return fleet.Device{}, fmt.Errorf("decode repos: %w", err)
		}
	}
	return device, nil
}

func encodeJSONText(present bool, v any) (string, error) {
	if !present {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
