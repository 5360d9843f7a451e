package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleethub/internal/tasks"
)

// FrameType identifies websocket payload variants.
type FrameType string

const (
	TypeConnected      FrameType = "connected"
	TypePong           FrameType = "pong"
	TypeMutation       FrameType = "mutation"
	TypeCommandExecute FrameType = "command:execute"
	TypeCommandCancel  FrameType = "command:cancel"
	TypeError          FrameType = "error"

	TypePing             FrameType = "ping"
	TypeExecutionStarted FrameType = "execution:started"
	TypeExecutionAck     FrameType = "execution:ack"
	TypeTaskProgress     FrameType = "task:progress"
	TypeTaskCompleted    FrameType = "task:completed"
)

// EntityKind scopes a mutation envelope to one entity table.
type EntityKind string

const (
	EntityTasks       EntityKind = "tasks"
	EntityDevices     EntityKind = "devices"
	EntityWorkspaces  EntityKind = "workspaces"
	EntityProjects    EntityKind = "projects"
	EntitySubProjects EntityKind = "sub_projects"
)

type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionDeleted   Action = "deleted"
	ActionProgress  Action = "progress"
	ActionCompleted Action = "completed"
	ActionExecute   Action = "execute"
	ActionCancel    Action = "cancel"
)

type AckAction string

const (
	AckStarted   AckAction = "started"
	AckCancelled AckAction = "cancelled"
	AckFailed    AckAction = "failed"
)

var ErrUnsupportedType = errors.New("unsupported frame type")

type envelope struct {
	Type FrameType `json:"type"`
}

// HubFrame is the sealed set of frames the hub sends to clients. Adding a
// variant forces every switch over HubFrame to handle it.
type HubFrame interface {
	FrameType() FrameType
	hubFrame()
}

// DeviceFrame is the sealed set of frames a device sends to the hub.
type DeviceFrame interface {
	FrameType() FrameType
	deviceFrame()
}

type Connected struct {
	Type             FrameType `json:"type"`
	DeviceID         string    `json:"device_id,omitempty"`
	ConnectedDevices []string  `json:"connected_devices"`
}

type Pong struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// Mutation is the self-describing broadcast unit. For created/updated/
// completed the Data payload is the full current entity representation, so
// applying the same envelope twice is idempotent on the client.
type Mutation struct {
	Type      FrameType  `json:"type"`
	Entity    EntityKind `json:"entity"`
	Action    Action     `json:"action"`
	EntityID  string     `json:"entity_id"`
	Data      any        `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type CommandExecute struct {
	Type   FrameType  `json:"type"`
	TaskID string     `json:"task_id"`
	Task   tasks.Task `json:"task"`
}

type CommandCancel struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
	Reason string    `json:"reason,omitempty"`
}

type ErrorFrame struct {
	Type      FrameType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RelatedTo string    `json:"related_to,omitempty"`
}

type Ping struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

type ExecutionStarted struct {
	Type      FrameType `json:"type"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid,omitempty"`
}

type ExecutionAck struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
	Action AckAction `json:"action"`
	Error  string    `json:"error,omitempty"`
}

type TaskProgress struct {
	Type     FrameType      `json:"type"`
	TaskID   string         `json:"task_id"`
	Progress tasks.Progress `json:"progress"`
}

type TaskCompleted struct {
	Type    FrameType    `json:"type"`
	TaskID  string       `json:"task_id"`
	Result  tasks.Result `json:"result"`
	PRURL   string       `json:"pr_url,omitempty"`
	Summary string       `json:"summary,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func (f Connected) FrameType() FrameType      { return f.Type }
func (f Pong) FrameType() FrameType           { return f.Type }
func (f Mutation) FrameType() FrameType       { return f.Type }
func (f CommandExecute) FrameType() FrameType { return f.Type }
func (f CommandCancel) FrameType() FrameType  { return f.Type }
func (f ErrorFrame) FrameType() FrameType     { return f.Type }

func (Connected) hubFrame()      {}
func (Pong) hubFrame()           {}
func (Mutation) hubFrame()       {}
func (CommandExecute) hubFrame() {}
func (CommandCancel) hubFrame()  {}
func (ErrorFrame) hubFrame()     {}

func (f Ping) FrameType() FrameType             { return f.Type }
func (f ExecutionStarted) FrameType() FrameType { return f.Type }
func (f ExecutionAck) FrameType() FrameType     { return f.Type }
func (f TaskProgress) FrameType() FrameType     { return f.Type }
func (f TaskCompleted) FrameType() FrameType    { return f.Type }

func (Ping) deviceFrame()             {}
func (ExecutionStarted) deviceFrame() {}
func (ExecutionAck) deviceFrame()     {}
func (TaskProgress) deviceFrame()     {}
func (TaskCompleted) deviceFrame()    {}

// ParseDeviceFrame decodes a raw device->hub frame. An unrecognized type
// yields ErrUnsupportedType so the caller can answer with an error frame
// instead of dropping silently.
func ParseDeviceFrame(raw []byte) (DeviceFrame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeExecutionStarted:
		var msg ExecutionStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.SessionID == "" {
			return nil, errors.New("invalid execution:started")
		}
		return msg, nil
	case TypeExecutionAck:
		var msg ExecutionAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid execution:ack")
		}
		switch msg.Action {
		case AckStarted, AckCancelled, AckFailed:
		default:
			return nil, fmt.Errorf("invalid execution:ack action %q", msg.Action)
		}
		return msg, nil
	case TypeTaskProgress:
		var msg TaskProgress
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid task:progress")
		}
		return msg, nil
	case TypeTaskCompleted:
		var msg TaskCompleted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid task:completed")
		}
		if msg.Result != tasks.ResultSuccess && msg.Result != tasks.ResultError {
			return nil, fmt.Errorf("invalid task:completed result %q", msg.Result)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// NewTaskMutation wraps the full task representation in an envelope.
func NewTaskMutation(action Action, task tasks.Task) Mutation {
	return Mutation{
		Type:      TypeMutation,
		Entity:    EntityTasks,
		Action:    action,
		EntityID:  task.ID,
		Data:      task,
		Timestamp: time.Now().UTC(),
	}
}

// NewProgressMutation carries a partial payload: progress frames are
// replace-wholesale on the client, so the snapshot alone is sufficient.
func NewProgressMutation(taskID string, progress tasks.Progress) Mutation {
	return Mutation{
		Type:      TypeMutation,
		Entity:    EntityTasks,
		Action:    ActionProgress,
		EntityID:  taskID,
		Data:      progress,
		Timestamp: time.Now().UTC(),
	}
}

// NewDeviceMutation wraps the full device representation in an envelope.
// The device payload is kept as `any` so the hub package does not depend on
// the fleet package's types transitively through here.
func NewDeviceMutation(action Action, deviceID string, device any) Mutation {
	return Mutation{
		Type:      TypeMutation,
		Entity:    EntityDevices,
		Action:    action,
		EntityID:  deviceID,
		Data:      device,
		Timestamp: time.Now().UTC(),
	}
}
