package tasks

import "time"

type Status string

const (
	StatusBacklog   Status = "backlog"
	StatusPlanning  Status = "planning"
	StatusPlanReady Status = "plan_ready"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusReview    Status = "review"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

const recentLogLimit = 50

// Progress is the replaceable execution snapshot on a running task. It is
// swapped wholesale on every push, never merged field by field.
type Progress struct {
	Phase          string    `json:"phase"`
	PhaseIndex     int       `json:"phase_index"`
	TotalPhases    int       `json:"total_phases"`
	Agent          string    `json:"agent,omitempty"`
	FilesChanged   int       `json:"files_changed"`
	LastActivityAt time.Time `json:"last_activity_at"`
	RecentLogs     []string  `json:"recent_logs,omitempty"`
}

type Task struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	ProjectID          string            `json:"project_id"`
	WorkspaceID        string            `json:"workspace_id,omitempty"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Status             Status            `json:"status"`
	Priority           string            `json:"priority,omitempty"`
	Repo               string            `json:"repo,omitempty"`
	AssignedDeviceID   string            `json:"assigned_device_id,omitempty"`
	CreatorDeviceID    string            `json:"creator_device_id,omitempty"`
	ExecutionSessionID string            `json:"execution_session_id,omitempty"`
	Progress           *Progress         `json:"progress,omitempty"`
	Summary            string            `json:"summary,omitempty"`
	PRURL              string            `json:"pr_url,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type CreateRequest struct {
	UserID          string            `json:"user_id"`
	ProjectID       string            `json:"project_id"`
	WorkspaceID     string            `json:"workspace_id,omitempty"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	Repo            string            `json:"repo,omitempty"`
	CreatorDeviceID string            `json:"creator_device_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.Progress != nil {
		p := *t.Progress
		if t.Progress.RecentLogs != nil {
			p.RecentLogs = make([]string, len(t.Progress.RecentLogs))
			copy(p.RecentLogs, t.Progress.RecentLogs)
		}
		out.Progress = &p
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status == StatusDone
}

// BoundLogs trims the snapshot's log tail to the retained window.
func (p *Progress) BoundLogs() {
	if p == nil || len(p.RecentLogs) <= recentLogLimit {
		return
	}
	trimFrom := len(p.RecentLogs) - recentLogLimit
	p.RecentLogs = append([]string(nil), p.RecentLogs[trimFrom:]...)
}
