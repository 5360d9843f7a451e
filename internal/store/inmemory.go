package store

import (
	"context"
	"sort"
	"sync"

	"fleethub/internal/fleet"
	"fleethub/internal/tasks"
)

// InMemory keeps all records in process memory. It backs tests and
// zero-config runs.
type InMemory struct {
	mu      sync.RWMutex
	tasks   map[string]tasks.Task
	devices map[string]fleet.Device
}

func NewInMemory() *InMemory {
	return &InMemory{
		tasks:   make(map[string]tasks.Task),
		devices: make(map[string]fleet.Device),
	}
}

func (s *InMemory) SaveTask(_ context.Context, task tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemory) GetTask(_ context.Context, taskID string) (tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return tasks.Task{}, tasks.ErrNotFound
	}
	return task.Clone(), nil
}

func (s *InMemory) ListTasksByUser(_ context.Context, userID string, limit int) ([]tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tasks.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.UserID == userID {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return tasks.ErrNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *InMemory) SaveDevice(_ context.Context, device fleet.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device.Clone()
	return nil
}

func (s *InMemory) GetDevice(_ context.Context, deviceID string) (fleet.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return fleet.Device{}, fleet.ErrNotFound
	}
	return device.Clone(), nil
}

func (s *InMemory) ListDevicesByUser(_ context.Context, userID string) ([]fleet.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.Device, 0, len(s.devices))
	for _, device := range s.devices {
		if device.UserID == userID {
			out = append(out, device.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) ListDevices(_ context.Context) ([]fleet.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.Device, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemory) Close() error {
	return nil
}
