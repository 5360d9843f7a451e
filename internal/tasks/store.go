package tasks

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("task not found")

type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]Task, error)
	DeleteTask(ctx context.Context, taskID string) error
}
