package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleethub/internal/fleet"
	"fleethub/internal/hub"
	"fleethub/internal/observability"
	"fleethub/internal/protocol"
	"fleethub/internal/tasks"
)

var (
	ErrExecutionActive = errors.New("task already has an active execution session")
	ErrCancelPending   = errors.New("cancel is awaiting device ack")
	ErrNoAssignee      = errors.New("task has no assigned device")
	ErrExecutionOpen   = errors.New("task has an open execution session, cancel it first")
)

const defaultCancelAckWindow = 30 * time.Second

// Orchestrator routes execution commands between the task lifecycle, the
// device fleet and the broadcast engine. All task mutations happen under a
// per-task lock; the lock is never held across an outbound fan-out's socket
// writes because broadcasting only enqueues into session buffers.
type Orchestrator struct {
	store   tasks.Store
	fleet   *fleet.Registry
	hub     *hub.Broadcaster
	metrics *observability.Metrics

	cancelAckWindow time.Duration
	locks           *keyedMutex

	mu             sync.Mutex
	pendingCancels map[string]time.Time
}

func New(store tasks.Store, registry *fleet.Registry, broadcaster *hub.Broadcaster, metrics *observability.Metrics, cancelAckWindow time.Duration) *Orchestrator {
	if cancelAckWindow <= 0 {
		cancelAckWindow = defaultCancelAckWindow
	}
	return &Orchestrator{
		store:           store,
		fleet:           registry,
		hub:             broadcaster,
		metrics:         metrics,
		cancelAckWindow: cancelAckWindow,
		locks:           newKeyedMutex(),
		pendingCancels:  make(map[string]time.Time),
	}
}

// CreateTask stores a new task in backlog and broadcasts its creation.
func (o *Orchestrator) CreateTask(ctx context.Context, req tasks.CreateRequest) (tasks.Task, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Title = strings.TrimSpace(req.Title)
	if req.UserID == "" {
		return tasks.Task{}, errors.New("user_id is required")
	}
	if req.Title == "" {
		return tasks.Task{}, errors.New("title is required")
	}

	now := time.Now().UTC()
	task := tasks.Task{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		ProjectID:       strings.TrimSpace(req.ProjectID),
		WorkspaceID:     strings.TrimSpace(req.WorkspaceID),
		Title:           req.Title,
		Description:     req.Description,
		Status:          tasks.StatusBacklog,
		Priority:        strings.TrimSpace(req.Priority),
		Repo:            strings.TrimSpace(req.Repo),
		CreatorDeviceID: strings.TrimSpace(req.CreatorDeviceID),
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}

	o.hub.Broadcast(task.UserID, protocol.NewTaskMutation(protocol.ActionCreated, task))
	return task, nil
}

func (o *Orchestrator) GetTask(ctx context.Context, userID, taskID string) (tasks.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if task.UserID != userID {
		return tasks.Task{}, tasks.ErrNotFound
	}
	return task, nil
}

func (o *Orchestrator) ListTasks(ctx context.Context, userID string, limit int) ([]tasks.Task, error) {
	return o.store.ListTasksByUser(ctx, userID, limit)
}

// UpdateStatus applies a non-execution transition, validated against the
// lifecycle table. Entering running goes through Execute only, and a task
// with an open execution session cannot leave running here; cancel first.
func (o *Orchestrator) UpdateStatus(ctx context.Context, userID, taskID string, to tasks.Status) (tasks.Task, error) {
	if !tasks.KnownStatus(to) {
		return tasks.Task{}, fmt.Errorf("unknown status %q", to)
	}
	unlock := o.locks.lock(taskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if to == tasks.StatusRunning && task.Status != tasks.StatusRunning {
		return tasks.Task{}, &tasks.InvalidTransitionError{From: task.Status, To: to}
	}
	if task.Status == tasks.StatusRunning && to != tasks.StatusRunning && task.ExecutionSessionID != "" {
		return tasks.Task{}, ErrExecutionOpen
	}
	if err := tasks.ValidateTransition(task.Status, to); err != nil {
		return tasks.Task{}, err
	}
	if task.Status == to {
		return task, nil
	}

	if task.Status == tasks.StatusRunning {
		task.Progress = nil
	}
	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveTask(ctx, task); err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}

	o.hub.Broadcast(task.UserID, protocol.NewTaskMutation(protocol.ActionUpdated, task))
	return task, nil
}

// DeleteTask removes a task. A task with an open execution session is never
// deleted; the caller must cancel first.
func (o *Orchestrator) DeleteTask(ctx context.Context, userID, taskID string) error {
	unlock := o.locks.lock(taskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if task.ExecutionSessionID != "" {
		return ErrExecutionOpen
	}
	if err := o.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	o.hub.Broadcast(userID, protocol.Mutation{
		Type:      protocol.TypeMutation,
		Entity:    protocol.EntityTasks,
		Action:    protocol.ActionDeleted,
		EntityID:  taskID,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Execute drives a task into running on its assigned device. The status
// change is rolled back if the execute command cannot reach the device, so
// a task never claims running with nothing executing it.
func (o *Orchestrator) Execute(ctx context.Context, userID, taskID, deviceID string) (tasks.Task, error) {
	unlock := o.locks.lock(taskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if o.isCancelPending(taskID) {
		return tasks.Task{}, ErrCancelPending
	}
	if task.Status == tasks.StatusRunning {
		return tasks.Task{}, ErrExecutionActive
	}
	if err := tasks.ValidateTransition(task.Status, tasks.StatusRunning); err != nil {
		return tasks.Task{}, err
	}

	if deviceID == "" {
		deviceID = task.AssignedDeviceID
	}
	if deviceID == "" {
		return tasks.Task{}, ErrNoAssignee
	}
	device, err := o.fleet.ResolveAssignee(deviceID, task.Repo)
	if err != nil {
		return tasks.Task{}, err
	}

	prev := task.Clone()
	now := time.Now().UTC()
	task.Status = tasks.StatusRunning
	task.AssignedDeviceID = device.ID
	task.ExecutionSessionID = uuid.NewString()
	task.Progress = nil
	task.UpdatedAt = now
	if err := o.store.SaveTask(ctx, task); err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}

	o.hub.Broadcast(userID, protocol.NewTaskMutation(protocol.ActionUpdated, task))

	cmd := protocol.CommandExecute{
		Type:   protocol.TypeCommandExecute,
		TaskID: task.ID,
		Task:   task.Clone(),
	}
	if err := o.hub.SendToDevice(device.ID, cmd); err != nil {
		restored := prev
		restored.UpdatedAt = time.Now().UTC()
		if saveErr := o.store.SaveTask(ctx, restored); saveErr != nil {
			log.Printf("orchestrator: rollback save for task %s failed: %v", taskID, saveErr)
		}
		o.hub.Broadcast(userID, protocol.NewTaskMutation(protocol.ActionUpdated, restored))
		o.countCommand("execute", "unreachable")
		return tasks.Task{}, err
	}

	o.countCommand("execute", "sent")
	return task, nil
}

// Cancel transitions a running/paused/queued task to error or backlog. The
// hub side applies the transition optimistically; the device's cancelled
// ack is still required to clear the execution session, and until it
// arrives (or the window expires) further execute and cancel requests for
// the task are rejected.
func (o *Orchestrator) Cancel(ctx context.Context, userID, taskID string, to tasks.Status, reason string) (tasks.Task, error) {
	if to != tasks.StatusError && to != tasks.StatusBacklog {
		return tasks.Task{}, fmt.Errorf("cancel target must be error or backlog, got %q", to)
	}
	unlock := o.locks.lock(taskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, taskID)
	if err != nil {
		return tasks.Task{}, err
	}
	if o.isCancelPending(taskID) {
		return tasks.Task{}, ErrCancelPending
	}
	if err := tasks.ValidateTransition(task.Status, to); err != nil {
		return tasks.Task{}, err
	}

	hadSession := task.ExecutionSessionID != "" && task.AssignedDeviceID != ""
	assignee := task.AssignedDeviceID

	task.Status = to
	task.Progress = nil
	task.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveTask(ctx, task); err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}

	o.hub.Broadcast(userID, protocol.NewTaskMutation(protocol.ActionUpdated, task))

	if hadSession {
		o.setCancelPending(taskID)
		cmd := protocol.CommandCancel{
			Type:   protocol.TypeCommandCancel,
			TaskID: task.ID,
			Reason: strings.TrimSpace(reason),
		}
		if err := o.hub.SendToDevice(assignee, cmd); err != nil {
			// The transition stands; the pending entry will expire via the
			// janitor and surface the missing ack.
			log.Printf("orchestrator: cancel command for task %s unreachable on device %s", taskID, assignee)
			o.countCommand("cancel", "unreachable")
		} else {
			o.countCommand("cancel", "sent")
		}
	}
	return task, nil
}

// HandleDeviceFrame dispatches one device->hub frame. sessionID identifies
// the socket the frame arrived on so fan-out can skip the originator.
func (o *Orchestrator) HandleDeviceFrame(ctx context.Context, sessionID, userID, deviceID string, frame protocol.DeviceFrame) error {
	switch msg := frame.(type) {
	case protocol.Ping:
		// Answered at the connection layer; liveness already refreshed.
		return nil
	case protocol.ExecutionStarted:
		return o.handleStarted(ctx, userID, deviceID, msg)
	case protocol.ExecutionAck:
		return o.handleAck(ctx, userID, deviceID, msg)
	case protocol.TaskProgress:
		return o.handleProgress(ctx, sessionID, userID, deviceID, msg)
	case protocol.TaskCompleted:
		return o.handleCompleted(ctx, sessionID, userID, deviceID, msg)
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnsupportedType, frame)
	}
}

func (o *Orchestrator) handleStarted(ctx context.Context, userID, deviceID string, msg protocol.ExecutionStarted) error {
	unlock := o.locks.lock(msg.TaskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, msg.TaskID)
	if err != nil {
		return err
	}
	if task.AssignedDeviceID != deviceID || task.ExecutionSessionID != msg.SessionID {
		o.dropStale("execution:started", msg.TaskID, deviceID)
		return nil
	}
	log.Printf("orchestrator: task %s execution started on device %s (session %s)", msg.TaskID, deviceID, msg.SessionID)
	return nil
}

func (o *Orchestrator) handleAck(ctx context.Context, userID, deviceID string, msg protocol.ExecutionAck) error {
	unlock := o.locks.lock(msg.TaskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, msg.TaskID)
	if err != nil {
		return err
	}
	if task.AssignedDeviceID != deviceID {
		o.dropStale("execution:ack", msg.TaskID, deviceID)
		return nil
	}

	switch msg.Action {
	case protocol.AckCancelled:
		o.clearCancelPending(msg.TaskID)
		if task.ExecutionSessionID == "" {
			return nil
		}
		task.ExecutionSessionID = ""
		task.UpdatedAt = time.Now().UTC()
		if err := o.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		o.hub.Broadcast(userID, protocol.NewTaskMutation(protocol.ActionUpdated, task))
	case protocol.AckFailed:
		if task.Status != tasks.StatusRunning {
			return nil
		}
		task.Status = tasks.StatusError
		task.ExecutionSessionID = ""
		task.Progress = nil
		task.Summary = msg.Error
		task.UpdatedAt = time.Now().UTC()
		if err := o.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("save task: %w", err)
		}
		o.hub.Broadcast(userID, protocol.NewTaskMutation(protocol.ActionUpdated, task))
	case protocol.AckStarted:
		log.Printf("orchestrator: task %s acknowledged by device %s", msg.TaskID, deviceID)
	}
	return nil
}

func (o *Orchestrator) handleProgress(ctx context.Context, sessionID, userID, deviceID string, msg protocol.TaskProgress) error {
	unlock := o.locks.lock(msg.TaskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, msg.TaskID)
	if err != nil {
		return err
	}
	if task.AssignedDeviceID != deviceID {
		o.dropStale("task:progress", msg.TaskID, deviceID)
		return nil
	}
	if task.Status != tasks.StatusRunning {
		return nil
	}

	progress := msg.Progress
	if progress.LastActivityAt.IsZero() {
		progress.LastActivityAt = time.Now().UTC()
	}
	progress.BoundLogs()
	task.Progress = &progress
	task.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	o.hub.BroadcastExcept(userID, sessionID, protocol.NewProgressMutation(task.ID, progress))
	return nil
}

func (o *Orchestrator) handleCompleted(ctx context.Context, sessionID, userID, deviceID string, msg protocol.TaskCompleted) error {
	unlock := o.locks.lock(msg.TaskID)
	defer unlock()

	task, err := o.GetTask(ctx, userID, msg.TaskID)
	if err != nil {
		return err
	}
	if task.AssignedDeviceID != deviceID {
		o.dropStale("task:completed", msg.TaskID, deviceID)
		return nil
	}

	to := tasks.StatusDone
	if msg.Result == tasks.ResultError {
		to = tasks.StatusError
	}
	if err := tasks.ValidateTransition(task.Status, to); err != nil {
		// Completion racing a cancel or delete; drop rather than force an
		// illegal edge.
		log.Printf("orchestrator: dropping completion for task %s: %v", msg.TaskID, err)
		return nil
	}

	task.Status = to
	task.ExecutionSessionID = ""
	task.Progress = nil
	task.Summary = msg.Summary
	task.PRURL = msg.PRURL
	task.UpdatedAt = time.Now().UTC()
	o.clearCancelPending(msg.TaskID)
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	o.hub.BroadcastExcept(userID, sessionID, protocol.NewTaskMutation(protocol.ActionCompleted, task))
	return nil
}

// StartJanitor expires cancel acks that never arrived, clearing the
// orphaned execution session so the task can be executed again.
func (o *Orchestrator) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.expirePendingCancels(ctx)
			}
		}
	}()
}

func (o *Orchestrator) expirePendingCancels(ctx context.Context) {
	now := time.Now()
	var expired []string

	o.mu.Lock()
	for taskID, deadline := range o.pendingCancels {
		if now.After(deadline) {
			delete(o.pendingCancels, taskID)
			expired = append(expired, taskID)
		}
	}
	o.mu.Unlock()

	for _, taskID := range expired {
		log.Printf("orchestrator: cancel ack for task %s never arrived, clearing execution session", taskID)
		if o.metrics != nil {
			o.metrics.CancelAckExpiries.Inc()
		}

		unlock := o.locks.lock(taskID)
		task, err := o.store.GetTask(ctx, taskID)
		if err != nil || task.ExecutionSessionID == "" {
			unlock()
			continue
		}
		task.ExecutionSessionID = ""
		task.UpdatedAt = time.Now().UTC()
		if err := o.store.SaveTask(ctx, task); err != nil {
			log.Printf("orchestrator: clearing session for task %s failed: %v", taskID, err)
			unlock()
			continue
		}
		userID := task.UserID
		unlock()
		o.hub.Broadcast(userID, protocol.NewTaskMutation(protocol.ActionUpdated, task))
	}
}

func (o *Orchestrator) isCancelPending(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	deadline, ok := o.pendingCancels[taskID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(o.pendingCancels, taskID)
		return false
	}
	return true
}

func (o *Orchestrator) setCancelPending(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingCancels[taskID] = time.Now().Add(o.cancelAckWindow)
}

func (o *Orchestrator) clearCancelPending(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pendingCancels, taskID)
}

func (o *Orchestrator) dropStale(frame, taskID, deviceID string) {
	log.Printf("orchestrator: dropping %s for task %s from non-assigned device %s", frame, taskID, deviceID)
	if o.metrics != nil {
		o.metrics.StaleSenderDrops.Inc()
	}
}

func (o *Orchestrator) countCommand(command, result string) {
	if o.metrics != nil {
		o.metrics.CommandSends.WithLabelValues(command, result).Inc()
	}
}
